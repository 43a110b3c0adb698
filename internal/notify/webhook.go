package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookClient posts notifications as JSON to an external endpoint.
type WebhookClient struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewWebhookClient creates a client. An empty URL puts it in skip mode.
func NewWebhookClient(baseURL string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		BaseURL: baseURL,
		Skip:    baseURL == "",
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Deliver posts n to BaseURL + "/notifications".
func (c *WebhookClient) Deliver(ctx context.Context, n Notification) error {
	if c.Skip {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("webhook error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

// Notify implements Notifier by delivering synchronously.
func (c *WebhookClient) Notify(ctx context.Context, n Notification) error {
	return c.Deliver(ctx, withDefaults(n))
}

// Health checks if the webhook endpoint is reachable.
func (c *WebhookClient) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook unhealthy: %s", resp.Status)
	}
	return nil
}
