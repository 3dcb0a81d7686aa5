package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{client: newHTTPClient(), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Pipeline:* %s", n.Pipeline)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Region:* %d", n.Region)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Attempts:* %d", n.Attempts)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*At:* %s", n.Time.UTC().Format(time.RFC3339))},
	}
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": n.Title()},
		},
		{"type": "section", "fields": fields},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": "```" + n.Error + "```"},
		},
	}
	if n.RunID != "" {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{{"type": "mrkdwn", "text": "run " + n.RunID}},
		})
	}

	body, err := json.Marshal(map[string]any{"text": n.Title(), "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, "slack webhook", s.webhookURL, body, nil)
}
