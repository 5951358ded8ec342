package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/notify"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	"github.com/pulsegrid/pulsegrid/pkg/metrics"
)

// Dispatcher delivers one alert to every configured channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) notify.DeliveryResult
}

// SnapshotSink receives the snapshot produced by each evaluation cycle.
// The Redis artifact and the Postgres archive both implement it.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap aggregate.Snapshot) error
}

// storageFailureStreak is how many consecutive persistence failures the
// ingestion store tolerates before the engine raises a meta-alert.
const storageFailureStreak = 3

const (
	ruleSourceOffline   = "source_offline"
	ruleDeliveryFailed  = "notification_delivery_failed"
	ruleStorageDegraded = "ingestion_storage_degraded"
)

// machine is the debounce state for one (rule, subject) pair.
type machine struct {
	state    State
	breach   int // consecutive breaching cycles
	clear    int // consecutive clear cycles while alerting
	cooldown int
	active   *alert.Alert
}

// offlineState tracks the open liveness alert for one source.
type offlineState struct {
	alertID string
	level   alert.Level
}

// Engine drives escalation: it snapshots the aggregator on a fixed
// cadence, runs every rule through its per-subject state machine, turns
// registry liveness events into offline alerts, and watches its own
// delivery and storage paths for meta-alert conditions.
type Engine struct {
	rules               []Rule
	interval            time.Duration
	ackMuteDefault      time.Duration
	criticalAfterMissed int

	store      *store.Store
	registry   *registry.Registry
	aggregator *aggregate.Aggregator
	ledger     ledger.Ledger
	dispatcher Dispatcher
	sinks      []SnapshotSink

	mu            sync.Mutex
	machines      map[string]*machine
	offline       map[string]*offlineState
	acks          map[string]time.Time
	deliveryAlert string // open notification_delivery_failed alert id
	storageAlert  string // open ingestion_storage_degraded alert id

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine wires the engine from config and its collaborators. The
// metrics argument may be nil; sinks may be empty.
func NewEngine(
	cfg *config.Config,
	st *store.Store,
	reg *registry.Registry,
	agg *aggregate.Aggregator,
	led ledger.Ledger,
	disp Dispatcher,
	m *metrics.Metrics,
	sinks ...SnapshotSink,
) *Engine {
	interval := cfg.Escalation.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ackMute := cfg.Escalation.AckMuteDefault
	if ackMute <= 0 {
		ackMute = time.Hour
	}
	criticalAfter := cfg.Registry.CriticalAfterMissed
	if criticalAfter <= 0 {
		criticalAfter = 5
	}
	return &Engine{
		rules:               RulesFromConfig(cfg.Escalation.Rules),
		interval:            interval,
		ackMuteDefault:      ackMute,
		criticalAfterMissed: criticalAfter,
		store:               st,
		registry:            reg,
		aggregator:          agg,
		ledger:              led,
		dispatcher:          disp,
		sinks:               sinks,
		machines:            make(map[string]*machine),
		offline:             make(map[string]*offlineState),
		acks:                make(map[string]time.Time),
		metrics:             m,
		logger:              slog.Default().With("component", "escalation-engine"),
	}
}

// Run executes evaluation cycles until ctx is cancelled. It also consumes
// the registry's liveness feed.
func (e *Engine) Run(ctx context.Context) {
	go e.consumeEvents(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.logger.Info("escalation engine started",
		"interval", e.interval,
		"rules", len(e.rules),
	)
	for {
		select {
		case <-ticker.C:
			e.runCycle(ctx)
		case <-ctx.Done():
			e.logger.Info("escalation engine stopped")
			return
		}
	}
}

// runCycle is one evaluation pass: snapshot, rules, self-checks, sinks.
func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()

	snap := e.aggregator.Snapshot()
	e.aggregator.Record(snap.Aggregate)
	e.Evaluate(ctx, snap)
	e.checkStorage(ctx)

	sinkFailed := false
	for _, sink := range e.sinks {
		if err := sink.PublishSnapshot(ctx, snap); err != nil {
			sinkFailed = true
			e.logger.Error("snapshot publish failed", "error", err)
		}
	}
	// Degradation shows up on the next snapshot; the current one was
	// already built.
	if sinkFailed {
		e.aggregator.MarkDegraded()
	} else {
		e.aggregator.ClearDegraded()
	}

	if e.metrics != nil {
		e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		e.metrics.ActiveSources.Set(float64(snap.Aggregate.ActiveSourceCount))
		e.metrics.SnapshotHealth.Set(healthValue(snap.Aggregate.HealthStatus))
		e.metrics.SweepOfflineSources.Set(float64(e.registry.OfflineCount()))
	}
}

// Evaluate runs every rule against one snapshot and advances the
// per-subject machines. Exported so tests can drive crafted snapshots
// through the exact production transitions.
func (e *Engine) Evaluate(ctx context.Context, snap aggregate.Snapshot) {
	var fired, resolved []alert.Alert

	e.mu.Lock()
	for _, r := range e.rules {
		values, err := resolveMetric(r.MetricPath, snap)
		if err != nil {
			e.logger.Error("rule skipped", "rule", r.Name, "error", err)
			continue
		}
		for subject, value := range values {
			if f, res := e.step(r, subject, value, snap.Timestamp); f != nil {
				fired = append(fired, *f)
			} else if res != nil {
				resolved = append(resolved, *res)
			}
		}
	}
	e.mu.Unlock()

	// Ledger and channel I/O happen outside the state lock.
	for _, a := range resolved {
		e.finishResolve(ctx, a)
	}
	for _, a := range fired {
		e.notify(ctx, a)
	}
}

// step advances one machine by one cycle. It returns the alert to fire or
// the alert to resolve, never both. Caller holds e.mu.
func (e *Engine) step(r Rule, subject string, value float64, at time.Time) (fired, resolved *alert.Alert) {
	key := r.Name + "|" + subject
	m, ok := e.machines[key]
	if !ok {
		m = &machine{}
		e.machines[key] = m
	}
	breached := r.breached(value)

	switch m.state {
	case StateNormal:
		if breached {
			m.breach++
		} else {
			m.breach = 0
		}
		if m.breach >= r.SustainWindow {
			a := e.buildAlert(r, subject, value, at)
			m.state = r.alertState()
			m.breach = 0
			m.clear = 0
			m.active = &a
			return &a, nil
		}

	case StateWarning, StateCritical:
		// Hysteresis: the value must hold clear for a full sustain window
		// before the alert resolves.
		if breached {
			m.clear = 0
		} else {
			m.clear++
		}
		if m.clear >= r.SustainWindow {
			a := m.active
			m.state = StateCooldown
			m.clear = 0
			m.cooldown = 0
			m.active = nil
			return nil, a
		}

	case StateCooldown:
		if breached {
			m.cooldown = 0
			m.breach++
			if m.breach >= r.SustainWindow {
				a := e.buildAlert(r, subject, value, at)
				m.state = r.alertState()
				m.breach = 0
				m.active = &a
				return &a, nil
			}
		} else {
			m.breach = 0
			m.cooldown++
			if m.cooldown >= r.CooldownWindow {
				m.state = StateNormal
			}
		}
	}
	return nil, nil
}

func (e *Engine) buildAlert(r Rule, subject string, value float64, at time.Time) alert.Alert {
	reason := fmt.Sprintf("%s %s %g held for %d cycles (observed %.2f)",
		r.MetricPath, r.Comparator, r.Threshold, r.SustainWindow, value)
	return alert.Alert{
		ID:          uuid.NewString(),
		Level:       r.Level,
		SourceID:    subject,
		Rule:        r.Name,
		Reason:      reason,
		Value:       value,
		Threshold:   r.Threshold,
		TriggeredAt: at,
	}
}

// notify records the alert and fans it out. Every alert reaches the
// ledger even when delivery is muted or suppressed.
func (e *Engine) notify(ctx context.Context, a alert.Alert) {
	if err := e.ledger.Append(ctx, a); err != nil {
		e.logger.Error("ledger append failed", "alert_id", a.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsFiredTotal.WithLabelValues(string(a.Level)).Inc()
	}
	e.logger.Warn("alert fired",
		"alert_id", a.ID,
		"level", a.Level,
		"rule", a.Rule,
		"source_id", a.SourceID,
		"value", a.Value,
	)
	if e.muted(a.ID) {
		e.logger.Info("alert muted by acknowledgement", "alert_id", a.ID)
		return
	}
	e.dispatch(ctx, a)
}

// dispatch sends the alert and tracks the delivery-failure meta-alert
// condition.
func (e *Engine) dispatch(ctx context.Context, a alert.Alert) {
	result := e.dispatcher.Dispatch(ctx, a)
	switch {
	case len(result.Failed) > 0:
		e.deliveryFailed(ctx, a, result)
	case len(result.Delivered) > 0:
		e.deliveryRecovered(ctx)
	}
}

func (e *Engine) finishResolve(ctx context.Context, a alert.Alert) {
	now := time.Now()
	if err := e.ledger.Resolve(ctx, a.ID, now); err != nil {
		e.logger.Error("ledger resolve failed", "alert_id", a.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsResolvedTotal.WithLabelValues(string(a.Level)).Inc()
	}
	e.logger.Info("alert resolved",
		"alert_id", a.ID,
		"rule", a.Rule,
		"source_id", a.SourceID,
	)
}

// Acknowledge marks the alert acknowledged and mutes re-notification for
// the given duration (the configured default when muteFor is zero).
func (e *Engine) Acknowledge(ctx context.Context, id string, muteFor time.Duration) error {
	now := time.Now()
	if err := e.ledger.Acknowledge(ctx, id, now); err != nil {
		return err
	}
	if muteFor <= 0 {
		muteFor = e.ackMuteDefault
	}
	e.mu.Lock()
	e.acks[id] = now.Add(muteFor)
	e.mu.Unlock()
	e.logger.Info("alert acknowledged", "alert_id", id, "muted_until", now.Add(muteFor))
	return nil
}

func (e *Engine) muted(id string) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.acks[id]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(e.acks, id)
		return false
	}
	return true
}

// consumeEvents turns registry liveness signals into offline alerts.
func (e *Engine) consumeEvents(ctx context.Context) {
	events := e.registry.Events()
	for {
		select {
		case ev := <-events:
			e.HandleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleEvent processes one liveness signal. A source's first offline
// signal opens a warning alert; continued silence past the configured
// miss count upgrades it to critical; recovery resolves it.
func (e *Engine) HandleEvent(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventOffline:
		e.handleOffline(ctx, ev)
	case registry.EventRecovered:
		e.handleRecovered(ctx, ev)
	}
}

func (e *Engine) handleOffline(ctx context.Context, ev registry.Event) {
	e.mu.Lock()
	os := e.offline[ev.SourceID]
	upgrade := os != nil && !os.level.AtLeast(alert.LevelCritical) &&
		ev.Missed >= e.criticalAfterMissed
	var previousID string
	if os == nil || upgrade {
		if os != nil {
			previousID = os.alertID
		}
	} else {
		// Already alerted at this level; the sweep re-emits every pass.
		e.mu.Unlock()
		return
	}

	level := alert.LevelWarning
	if upgrade || ev.Missed >= e.criticalAfterMissed {
		level = alert.LevelCritical
	}
	a := alert.Alert{
		ID:       uuid.NewString(),
		Level:    level,
		SourceID: ev.SourceID,
		Rule:     ruleSourceOffline,
		Reason: fmt.Sprintf("source %s missed %d consecutive reports",
			ev.SourceID, ev.Missed),
		Value:       float64(ev.Missed),
		Threshold:   float64(e.criticalAfterMissed),
		TriggeredAt: ev.At,
		AutoActions: []string{"exclude-from-aggregate"},
	}
	e.offline[ev.SourceID] = &offlineState{alertID: a.ID, level: level}
	// An acknowledgement on the superseded warning carries over to the
	// upgraded alert so the operator is not re-paged inside the mute.
	if previousID != "" {
		if until, ok := e.acks[previousID]; ok {
			e.acks[a.ID] = until
		}
	}
	e.mu.Unlock()

	if previousID != "" {
		if err := e.ledger.Resolve(ctx, previousID, time.Now()); err != nil {
			e.logger.Error("ledger resolve failed", "alert_id", previousID, "error", err)
		}
	}
	e.notify(ctx, a)
}

func (e *Engine) handleRecovered(ctx context.Context, ev registry.Event) {
	e.mu.Lock()
	os := e.offline[ev.SourceID]
	delete(e.offline, ev.SourceID)
	e.mu.Unlock()
	if os == nil {
		return
	}
	if err := e.ledger.Resolve(ctx, os.alertID, ev.At); err != nil {
		e.logger.Error("ledger resolve failed", "alert_id", os.alertID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsResolvedTotal.WithLabelValues(string(os.level)).Inc()
	}
	e.logger.Info("source recovered", "source_id", ev.SourceID, "alert_id", os.alertID)
}

// deliveryFailed raises the notification_delivery_failed meta-alert once
// per failure episode. Its own delivery is best-effort; a failing
// meta-alert must not recurse.
func (e *Engine) deliveryFailed(ctx context.Context, origin alert.Alert, result notify.DeliveryResult) {
	e.mu.Lock()
	if e.deliveryAlert != "" {
		e.mu.Unlock()
		return
	}
	meta := alert.Alert{
		ID:    uuid.NewString(),
		Level: alert.LevelWarning,
		Rule:  ruleDeliveryFailed,
		Reason: fmt.Sprintf("delivery of alert %s failed on %d channel(s) after retries",
			origin.ID, len(result.Failed)),
		Value:       float64(len(result.Failed)),
		TriggeredAt: time.Now(),
	}
	e.deliveryAlert = meta.ID
	e.mu.Unlock()

	if err := e.ledger.Append(ctx, meta); err != nil {
		e.logger.Error("ledger append failed", "alert_id", meta.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsFiredTotal.WithLabelValues(string(meta.Level)).Inc()
	}
	e.logger.Error("notification delivery failing",
		"alert_id", meta.ID,
		"origin_alert_id", origin.ID,
		"failed_channels", len(result.Failed),
	)
	e.dispatcher.Dispatch(ctx, meta)
}

func (e *Engine) deliveryRecovered(ctx context.Context) {
	e.mu.Lock()
	id := e.deliveryAlert
	e.deliveryAlert = ""
	e.mu.Unlock()
	if id == "" {
		return
	}
	if err := e.ledger.Resolve(ctx, id, time.Now()); err != nil {
		e.logger.Error("ledger resolve failed", "alert_id", id, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsResolvedTotal.WithLabelValues(string(alert.LevelWarning)).Inc()
	}
	e.logger.Info("notification delivery recovered", "alert_id", id)
}

// checkStorage watches the ingestion store's persistence failure streak.
func (e *Engine) checkStorage(ctx context.Context) {
	streak := e.store.StorageFailureStreak()

	e.mu.Lock()
	open := e.storageAlert
	e.mu.Unlock()

	switch {
	case streak >= storageFailureStreak && open == "":
		a := alert.Alert{
			ID:    uuid.NewString(),
			Level: alert.LevelWarning,
			Rule:  ruleStorageDegraded,
			Reason: fmt.Sprintf("%d consecutive document persistence failures",
				streak),
			Value:       float64(streak),
			Threshold:   storageFailureStreak,
			TriggeredAt: time.Now(),
		}
		e.mu.Lock()
		e.storageAlert = a.ID
		e.mu.Unlock()
		e.notify(ctx, a)

	case streak == 0 && open != "":
		e.mu.Lock()
		e.storageAlert = ""
		e.mu.Unlock()
		e.finishResolve(ctx, alert.Alert{ID: open, Level: alert.LevelWarning, Rule: ruleStorageDegraded})
	}
}

// healthValue maps aggregate health onto the snapshot gauge.
func healthValue(s ingest.Status) float64 {
	switch s {
	case ingest.StatusOperational:
		return 0
	case ingest.StatusUnknown:
		return 1
	case ingest.StatusWarning:
		return 2
	case ingest.StatusCritical:
		return 3
	default:
		return 1
	}
}
