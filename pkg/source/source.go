package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const userAgent = "gridcast/1.0"

// BreakerSettings tunes the circuit breaker in front of an upstream API.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Client fetches JSON documents from one upstream API. It never retries;
// consecutive failures open the breaker and later calls fail fast until
// OpenTimeout elapses.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a client. A nil httpClient gets a default with timeout.
func NewClient(name string, httpClient *http.Client, timeout time.Duration, b BreakerSettings) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if b.MaxFailures == 0 {
		b.MaxFailures = 5
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = time.Minute
	}
	maxFailures := b.MaxFailures

	return &Client{
		http: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     b.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
	}
}

// GetJSON issues a GET to url and decodes the response body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", url, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", c.breaker.Name(), err)
	}
	return err
}
