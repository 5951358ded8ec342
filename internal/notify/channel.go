// Package notify fans alerts out to delivery channels behind a Channel
// capability, with per-channel token-bucket rate limiting, quiet-hours
// suppression, and independent context-scoped timeouts. One channel's
// failure never blocks or fails the others.
package notify

import (
	"context"
	"log/slog"

	"github.com/pulsegrid/pulsegrid/internal/alert"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, a alert.Alert) error
}

// DeliveryResult reports the per-channel outcome of one dispatch.
type DeliveryResult struct {
	AlertID    string            `json:"alert_id"`
	Delivered  []string          `json:"delivered,omitempty"`
	Suppressed []string          `json:"suppressed,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// AllFailed reports whether every attempted channel errored.
func (r DeliveryResult) AllFailed() bool {
	return len(r.Failed) > 0 && len(r.Delivered) == 0
}

// LogChannel writes alerts to the structured log. It is the default
// channel and doubles as a development no-op destination.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates the log channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: slog.Default().With("component", "alert-log-channel")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, a alert.Alert) error {
	c.logger.Warn("alert",
		"alert_id", a.ID,
		"level", a.Level,
		"rule", a.Rule,
		"source_id", a.SourceID,
		"reason", a.Reason,
		"value", a.Value,
		"threshold", a.Threshold,
	)
	return nil
}
