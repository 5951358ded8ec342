package notify

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// EmailChannel sends alerts by SMTP. Retry and timeout policy belong to
// the dispatcher; this channel only attempts a single send.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
	to     []string
}

// NewEmailChannel creates the SMTP channel.
func NewEmailChannel(cfg config.EmailChannelConfig) (*EmailChannel, error) {
	if cfg.Host == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("email channel requires host and at least one recipient")
	}
	from := cfg.From
	if from == "" {
		from = "pulsegrid@localhost"
	}
	return &EmailChannel{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:   from,
		to:     cfg.To,
	}, nil
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, a alert.Alert) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", c.from)
	msg.SetHeader("To", c.to...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Rule))
	msg.SetBody("text/plain", formatAlertBody(a))

	// gomail has no context-aware send; run it in a goroutine so the
	// dispatcher's per-attempt deadline still applies.
	done := make(chan error, 1)
	go func() { done <- c.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending alert %s: %w", a.ID, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending alert %s: %w", a.ID, ctx.Err())
	}
}

func formatAlertBody(a alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert:     %s\n", a.ID)
	fmt.Fprintf(&b, "Level:     %s\n", a.Level)
	fmt.Fprintf(&b, "Rule:      %s\n", a.Rule)
	if a.SourceID != "" {
		fmt.Fprintf(&b, "Source:    %s\n", a.SourceID)
	}
	fmt.Fprintf(&b, "Reason:    %s\n", a.Reason)
	fmt.Fprintf(&b, "Value:     %g (threshold %g)\n", a.Value, a.Threshold)
	fmt.Fprintf(&b, "Triggered: %s\n", a.TriggeredAt.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
