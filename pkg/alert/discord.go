package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: newHTTPClient(), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	embed := map[string]any{
		"title":       n.Title(),
		"description": "```" + n.Error + "```",
		"color":       0xD92D20,
		"timestamp":   n.Time.UTC().Format(time.RFC3339),
		"fields": []map[string]any{
			{"name": "Pipeline", "value": n.Pipeline, "inline": true},
			{"name": "Region", "value": strconv.Itoa(n.Region), "inline": true},
			{"name": "Attempts", "value": strconv.Itoa(n.Attempts), "inline": true},
		},
	}
	if n.RunID != "" {
		embed["footer"] = map[string]any{"text": "run " + n.RunID}
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, "discord webhook", d.webhookURL, body, nil)
}
