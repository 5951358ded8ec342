package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// WebhookChannel POSTs the alert as JSON to a configured endpoint.
type WebhookChannel struct {
	client *resty.Client
	url    string
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(cfg config.WebhookChannelConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "pulsegrid-engine")
	return &WebhookChannel{client: client, url: cfg.URL}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, a alert.Alert) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(a).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("posting alert %s: %w", a.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d for alert %s", resp.StatusCode(), a.ID)
	}
	return nil
}
