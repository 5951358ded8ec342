package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	"github.com/pulsegrid/pulsegrid/pkg/metrics"
	"github.com/pulsegrid/pulsegrid/pkg/resilience"
)

// Dispatcher fans one alert out to every configured channel. Non-critical
// alerts pass through the per-channel token bucket and the quiet-hours
// window first; Critical alerts bypass both unconditionally.
type Dispatcher struct {
	channels []Channel
	breakers map[string]*resilience.CircuitBreaker
	limiter  *limiter
	limit    int
	quiet    *quietWindow
	timeout  time.Duration
	retry    resilience.RetryConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Dispatcher from config. The metrics argument may be nil.
func New(cfg config.NotifyConfig, delivery config.DeliveryConfig, channels []Channel, m *metrics.Metrics) (*Dispatcher, error) {
	quiet, err := newQuietWindow(cfg.QuietHours)
	if err != nil {
		return nil, err
	}
	timeout := delivery.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(channels))
	for _, ch := range channels {
		breakers[ch.Name()] = resilience.NewCircuitBreaker("notify-"+ch.Name(), resilience.CircuitBreakerConfig{})
	}
	return &Dispatcher{
		channels: channels,
		breakers: breakers,
		limiter:  newLimiter(cfg.RateLimit.Window),
		limit:    cfg.RateLimit.Limit,
		quiet:    quiet,
		timeout:  timeout,
		retry: resilience.RetryConfig{
			MaxAttempts:  delivery.MaxAttempts,
			InitialDelay: delivery.InitialBackoff,
			MaxDelay:     delivery.MaxBackoff,
			Multiplier:   2.0,
		},
		metrics: m,
		logger:  slog.Default().With("component", "dispatcher"),
	}, nil
}

// Dispatch delivers the alert to all channels and reports the per-channel
// outcome. Each channel delivery is independent: its own goroutine, its
// own timeout per attempt, its own retry budget. A hung or failing channel
// cannot stall the others or the caller beyond the retry budget.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert) DeliveryResult {
	result := DeliveryResult{
		AlertID: a.ID,
		Failed:  make(map[string]string),
	}
	if len(d.channels) == 0 {
		return result
	}

	now := time.Now()
	critical := a.Level == alert.LevelCritical
	if !critical && d.quiet.contains(now) {
		for _, ch := range d.channels {
			result.Suppressed = append(result.Suppressed, ch.Name())
			d.record(ch.Name(), "suppressed", 0)
		}
		d.logger.Info("alert suppressed by quiet hours", "alert_id", a.ID, "level", a.Level)
		return result
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range d.channels {
		if !critical && !d.limiter.allow(ch.Name(), d.limit, now) {
			mu.Lock()
			result.Suppressed = append(result.Suppressed, ch.Name())
			mu.Unlock()
			d.record(ch.Name(), "suppressed", 0)
			d.logger.Info("alert rate-limited",
				"alert_id", a.ID,
				"channel", ch.Name(),
				"limit", d.limit,
			)
			continue
		}

		g.Go(func() error {
			start := time.Now()
			// The breaker sits outside the retry budget: a channel that keeps
			// exhausting retries trips open and is skipped until it cools off.
			err := d.breakers[ch.Name()].Execute(func() error {
				return resilience.Retry(gctx, "deliver-"+ch.Name(), d.retry, func() error {
					return resilience.WithTimeout(gctx, d.timeout, ch.Name(), func(ctx context.Context) error {
						return ch.Deliver(ctx, a)
					})
				})
			})
			elapsed := time.Since(start)

			mu.Lock()
			if err != nil {
				result.Failed[ch.Name()] = err.Error()
			} else {
				result.Delivered = append(result.Delivered, ch.Name())
			}
			mu.Unlock()

			if err != nil {
				d.record(ch.Name(), "failed", elapsed)
				d.logger.Error("delivery failed",
					"alert_id", a.ID,
					"channel", ch.Name(),
					"error", err,
				)
			} else {
				d.record(ch.Name(), "delivered", elapsed)
			}
			// Errors are collected per channel; never abort the group.
			return nil
		})
	}
	g.Wait()

	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

func (d *Dispatcher) record(channel, outcome string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
	if outcome != "suppressed" {
		d.metrics.DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
	}
}

// BuildChannels constructs the enabled channels from config.
func BuildChannels(cfg config.ChannelsConfig, kafkaCfg config.KafkaConfig) ([]Channel, error) {
	var channels []Channel
	if cfg.Log.Enabled {
		channels = append(channels, NewLogChannel())
	}
	if cfg.Webhook.Enabled {
		if cfg.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook channel enabled without url")
		}
		channels = append(channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Email.Enabled {
		ch, err := NewEmailChannel(cfg.Email)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if cfg.Kafka.Enabled {
		channels = append(channels, NewKafkaChannel(kafkaCfg))
	}
	return channels, nil
}
