// Package registry tracks every reporting source and runs the liveness
// sweep that turns silence into source_offline signals for the escalation
// engine.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// EventType distinguishes liveness signals.
type EventType string

const (
	EventOffline   EventType = "source_offline"
	EventRecovered EventType = "source_recovered"
)

// Event is an internal liveness signal. It is a condition, not an error.
type Event struct {
	Type     EventType
	SourceID string
	Missed   int
	At       time.Time
}

// Source is the registry's view of one contributor.
type Source struct {
	ID                string        `json:"id"`
	Role              string        `json:"role,omitempty"`
	ExpectedInterval  time.Duration `json:"expected_interval"`
	Weight            float64       `json:"weight"`
	LastSeen          time.Time     `json:"last_seen"`
	ConsecutiveMissed int           `json:"consecutive_missed"`
	Status            ingest.Status `json:"status"`
	Offline           bool          `json:"offline"`
}

// Registry holds source metadata behind a single short-held mutex. Sources
// are either pre-declared from config (status "unknown" until their first
// document) or auto-registered on first accepted submission.
type Registry struct {
	mu               sync.Mutex
	sources          map[string]*Source
	defaultInterval  time.Duration
	offlineThreshold int
	events           chan Event
	logger           *slog.Logger
}

// New creates a Registry and pre-declares the configured sources.
func New(cfg config.RegistryConfig) *Registry {
	r := &Registry{
		sources:          make(map[string]*Source),
		defaultInterval:  cfg.DefaultInterval,
		offlineThreshold: cfg.OfflineThreshold,
		events:           make(chan Event, 64),
		logger:           slog.Default().With("component", "source-registry"),
	}
	if r.defaultInterval <= 0 {
		r.defaultInterval = 5 * time.Minute
	}
	if r.offlineThreshold <= 0 {
		r.offlineThreshold = 2
	}
	for _, sc := range cfg.Sources {
		r.Declare(sc.ID, sc.Role, sc.Interval, sc.Weight)
	}
	return r
}

// Declare registers a source ahead of its first report.
func (r *Registry) Declare(id, role string, interval time.Duration, weight float64) {
	if interval <= 0 {
		interval = r.defaultInterval
	}
	if weight <= 0 {
		weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[id]; exists {
		return
	}
	r.sources[id] = &Source{
		ID:               id,
		Role:             role,
		ExpectedInterval: interval,
		Weight:           weight,
		Status:           ingest.StatusUnknown,
	}
	r.logger.Info("source declared", "source_id", id, "role", role, "interval", interval)
}

// Touch records an accepted submission: last_seen advances, the missed
// counter resets, and offline sources emit a recovery signal. Unknown
// sources are auto-registered.
func (r *Registry) Touch(doc ingest.MetricDocument) {
	r.mu.Lock()
	src, ok := r.sources[doc.SourceID]
	if !ok {
		src = &Source{
			ID:               doc.SourceID,
			ExpectedInterval: r.defaultInterval,
			Weight:           1,
		}
		r.sources[doc.SourceID] = src
		r.logger.Info("source auto-registered", "source_id", doc.SourceID)
	}
	if doc.Timestamp.After(src.LastSeen) {
		src.LastSeen = doc.Timestamp
	}
	src.ConsecutiveMissed = 0
	src.Status = doc.Status
	if doc.Weight > 0 {
		src.Weight = doc.Weight
	}
	wasOffline := src.Offline
	src.Offline = false
	r.mu.Unlock()

	if wasOffline {
		r.emit(Event{Type: EventRecovered, SourceID: doc.SourceID, At: time.Now()})
	}
}

// Sweep checks every source against its expected interval, increments
// missed counters, and emits offline signals when the threshold is
// crossed. It returns the events emitted this pass.
func (r *Registry) Sweep(now time.Time) []Event {
	r.mu.Lock()
	var events []Event
	for _, src := range r.sources {
		if src.LastSeen.IsZero() {
			// Declared but never reported; stays "unknown" without
			// accumulating misses.
			continue
		}
		if now.Sub(src.LastSeen) <= src.ExpectedInterval {
			continue
		}
		src.ConsecutiveMissed++
		if src.ConsecutiveMissed >= r.offlineThreshold {
			ev := Event{
				Type:     EventOffline,
				SourceID: src.ID,
				Missed:   src.ConsecutiveMissed,
				At:       now,
			}
			events = append(events, ev)
			if !src.Offline {
				src.Offline = true
				src.Status = ingest.StatusOffline
				r.logger.Warn("source offline",
					"source_id", src.ID,
					"consecutive_missed", src.ConsecutiveMissed,
					"last_seen", src.LastSeen,
				)
			}
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(ev)
	}
	return events
}

// StartSweep runs Sweep on a fixed cadence until ctx is cancelled. The
// cadence defaults to half the shortest expected interval so a missed
// report is noticed within one interval.
func (r *Registry) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.shortestInterval() / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(time.Now())
			case <-ctx.Done():
				r.logger.Info("liveness sweep stopped")
				return
			}
		}
	}()
	r.logger.Info("liveness sweep started", "interval", interval)
}

// Events exposes the liveness signal feed consumed by the escalation
// engine.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Sources returns a stable-ordered copy of all source metadata.
func (r *Registry) Sources() []Source {
	r.mu.Lock()
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, *src)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a copy of one source's metadata.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// IsActive reports whether the source was seen within twice its expected
// interval, the aggregator's activity window.
func (r *Registry) IsActive(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok || src.LastSeen.IsZero() {
		return false
	}
	return now.Sub(src.LastSeen) <= 2*src.ExpectedInterval
}

// OfflineCount returns how many sources are currently flagged offline.
func (r *Registry) OfflineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, src := range r.sources {
		if src.Offline {
			n++
		}
	}
	return n
}

func (r *Registry) shortestInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	shortest := r.defaultInterval
	for _, src := range r.sources {
		if src.ExpectedInterval < shortest {
			shortest = src.ExpectedInterval
		}
	}
	return shortest
}

// emit never blocks the sweep; when the engine lags behind, the oldest
// unconsumed signal is dropped in favour of the newest.
func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		select {
		case <-r.events:
		default:
		}
		select {
		case r.events <- ev:
		default:
		}
	}
}
