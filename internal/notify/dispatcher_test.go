package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	"github.com/pulsegrid/pulsegrid/pkg/resilience"
)

type recordingChannel struct {
	name string
	err  error

	mu        sync.Mutex
	delivered []alert.Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(ctx context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, a)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func testAlert(level alert.Level) alert.Alert {
	return alert.Alert{
		ID:          "a-1",
		Level:       level,
		Rule:        "low_coverage",
		Reason:      "coverage below threshold",
		Value:       87,
		Threshold:   90,
		TriggeredAt: time.Now(),
	}
}

func newTestDispatcher(t *testing.T, cfg config.NotifyConfig, channels ...Channel) *Dispatcher {
	t.Helper()
	d, err := New(cfg, config.DeliveryConfig{
		Timeout:        time.Second,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, channels, nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return d
}

func TestDispatchReachesAllChannels(t *testing.T) {
	a := &recordingChannel{name: "log"}
	b := &recordingChannel{name: "webhook"}
	d := newTestDispatcher(t, config.NotifyConfig{
		RateLimit: config.RateLimitConfig{Limit: 10, Window: time.Hour},
	}, a, b)

	res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	if len(res.Delivered) != 2 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v, want both delivered", res)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("channel counts = %d/%d, want 1/1", a.count(), b.count())
	}
}

func TestRateLimitSuppressesSixthAlert(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d := newTestDispatcher(t, config.NotifyConfig{
		RateLimit: config.RateLimitConfig{Limit: 5, Window: time.Hour},
	}, ch)

	var suppressed int
	for i := 0; i < 6; i++ {
		res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
		if len(res.Suppressed) > 0 {
			suppressed++
		}
	}
	if ch.count() != 5 {
		t.Fatalf("delivered %d alerts, want 5", ch.count())
	}
	if suppressed != 1 {
		t.Fatalf("suppressed %d dispatches, want 1", suppressed)
	}
}

func TestCriticalBypassesRateLimit(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d := newTestDispatcher(t, config.NotifyConfig{
		RateLimit: config.RateLimitConfig{Limit: 1, Window: time.Hour},
	}, ch)

	d.Dispatch(context.Background(), testAlert(alert.LevelWarning)) // spends the budget
	for i := 0; i < 3; i++ {
		res := d.Dispatch(context.Background(), testAlert(alert.LevelCritical))
		if len(res.Suppressed) > 0 {
			t.Fatalf("critical alert suppressed: %+v", res)
		}
	}
	if ch.count() != 4 {
		t.Fatalf("delivered %d, want 4 (1 warning + 3 critical)", ch.count())
	}
}

func TestQuietHoursSuppressNonCriticalOnly(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	// A window covering the whole day so the test does not depend on the
	// wall clock.
	d := newTestDispatcher(t, config.NotifyConfig{
		QuietHours: config.QuietHoursConfig{
			Enabled: true, Start: "00:00", End: "23:59", Location: "UTC",
		},
		RateLimit: config.RateLimitConfig{Limit: 10, Window: time.Hour},
	}, ch)

	res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	if len(res.Suppressed) != 1 || ch.count() != 0 {
		t.Fatalf("warning not suppressed in quiet hours: %+v", res)
	}

	res = d.Dispatch(context.Background(), testAlert(alert.LevelCritical))
	if len(res.Delivered) != 1 || ch.count() != 1 {
		t.Fatalf("critical suppressed in quiet hours: %+v", res)
	}
}

func TestPartialFailureIsIsolatedPerChannel(t *testing.T) {
	ok := &recordingChannel{name: "log"}
	bad := &recordingChannel{name: "webhook", err: errors.New("connection refused")}
	d := newTestDispatcher(t, config.NotifyConfig{
		RateLimit: config.RateLimitConfig{Limit: 10, Window: time.Hour},
	}, ok, bad)

	res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	if len(res.Delivered) != 1 || res.Delivered[0] != "log" {
		t.Fatalf("delivered = %v, want [log]", res.Delivered)
	}
	if _, failed := res.Failed["webhook"]; !failed {
		t.Fatalf("failed = %v, want webhook entry", res.Failed)
	}
	if res.AllFailed() {
		t.Fatal("AllFailed() true despite one successful channel")
	}
}

func TestRepeatedFailuresTripChannelBreaker(t *testing.T) {
	bad := &recordingChannel{name: "webhook", err: errors.New("connection refused")}
	d := newTestDispatcher(t, config.NotifyConfig{
		RateLimit: config.RateLimitConfig{Limit: 100, Window: time.Hour},
	}, bad)

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	}
	if got := d.breakers["webhook"].GetState(); got != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open after 5 consecutive failures", got)
	}

	// The open breaker fails fast without invoking the channel.
	bad.err = nil
	res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	if _, failed := res.Failed["webhook"]; !failed || bad.count() != 0 {
		t.Fatalf("open breaker did not short-circuit: %+v (delivered %d)", res, bad.count())
	}
}

func TestDispatchWithNoChannels(t *testing.T) {
	d := newTestDispatcher(t, config.NotifyConfig{})
	res := d.Dispatch(context.Background(), testAlert(alert.LevelWarning))
	if len(res.Delivered)+len(res.Failed)+len(res.Suppressed) != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := newLimiter(time.Hour)
	now := time.Now()

	for i := 0; i < 2; i++ {
		if !l.allow("log", 2, now) {
			t.Fatalf("allow() = false on call %d inside budget", i+1)
		}
	}
	if l.allow("log", 2, now) {
		t.Fatal("allow() = true beyond budget")
	}
	// Half the window refills one token.
	if !l.allow("log", 2, now.Add(30*time.Minute)) {
		t.Fatal("allow() = false after refill")
	}
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	w, err := newQuietWindow(config.QuietHoursConfig{
		Enabled: true, Start: "22:00", End: "06:00", Location: "UTC",
	})
	if err != nil {
		t.Fatalf("newQuietWindow() = %v", err)
	}
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		hour int
		in   bool
	}{
		{23, true}, {2, true}, {5, true}, {6, false}, {12, false}, {21, false},
	} {
		got := w.contains(day.Add(time.Duration(tc.hour) * time.Hour))
		if got != tc.in {
			t.Errorf("contains(%02d:00) = %t, want %t", tc.hour, got, tc.in)
		}
	}
}
