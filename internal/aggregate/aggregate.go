// Package aggregate computes point-in-time snapshots across all sources.
// The aggregator owns no persistent state: Snapshot is a pure function of
// the store and registry, and the only thing kept here is a bounded ring
// of recent aggregate summaries for trend computation.
package aggregate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
)

// SourceState pairs a source's latest document with its liveness metadata.
type SourceState struct {
	Document          ingest.MetricDocument `json:"document"`
	Role              string                `json:"role,omitempty"`
	LastSeen          time.Time             `json:"last_seen"`
	ConsecutiveMissed int                   `json:"consecutive_missed"`
	Active            bool                  `json:"active"`
	Offline           bool                  `json:"offline"`
}

// Summary is the aggregate block of a snapshot.
type Summary struct {
	OverallProgress   float64       `json:"overall_progress"`
	OverallCoverage   float64       `json:"overall_coverage"`
	OverallQuality    float64       `json:"overall_quality"`
	HealthStatus      ingest.Status `json:"health_status"`
	ActiveSourceCount int           `json:"active_source_count"`
	Degraded          bool          `json:"degraded"`
}

// Snapshot is the unified view across all sources at one instant. It
// serialises to JSON and back without field loss.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Sources   map[string]SourceState `json:"sources"`
	Aggregate Summary                `json:"aggregate"`
}

// Aggregator computes snapshots on demand.
type Aggregator struct {
	store    *store.Store
	registry *registry.Registry

	degraded atomic.Bool

	mu          sync.Mutex
	recent      []Summary
	trendWindow int
}

// New creates an Aggregator keeping up to trendWindow recent summaries.
func New(st *store.Store, reg *registry.Registry, trendWindow int) *Aggregator {
	if trendWindow < 1 {
		trendWindow = 12
	}
	return &Aggregator{
		store:       st,
		registry:    reg,
		trendWindow: trendWindow,
	}
}

// Snapshot builds the current aggregate view. Overall figures are
// weight-averaged across active sources; health is worst-of-sources so a
// failing component can never be masked by healthy ones. A known source
// gone silent past its activity window pulls health down to at least
// warning.
func (a *Aggregator) Snapshot() Snapshot {
	now := time.Now()
	latest := a.store.LatestAll()
	sources := a.registry.Sources()

	snap := Snapshot{
		Timestamp: now.UTC(),
		Sources:   make(map[string]SourceState, len(sources)),
	}

	var (
		weightSum   float64
		progressSum float64
		coverageSum float64
		qualitySum  float64
		worstRank   int
		sawAny      bool
	)

	for _, src := range sources {
		state := SourceState{
			Role:              src.Role,
			LastSeen:          src.LastSeen,
			ConsecutiveMissed: src.ConsecutiveMissed,
			Offline:           src.Offline,
		}
		doc, hasDoc := latest[src.ID]
		if hasDoc {
			state.Document = doc
		}
		active := hasDoc && !src.LastSeen.IsZero() &&
			now.Sub(src.LastSeen) <= 2*src.ExpectedInterval
		state.Active = active
		snap.Sources[src.ID] = state

		if active {
			sawAny = true
			w := doc.EffectiveWeight()
			weightSum += w
			progressSum += w * doc.Metrics.ProgressPercentage
			coverageSum += w * doc.Metrics.CoveragePercentage
			qualitySum += w * doc.Metrics.QualityScore
			snap.Aggregate.ActiveSourceCount++
			if r := statusRank(doc.Status); r > worstRank {
				worstRank = r
			}
		} else if hasDoc || src.Offline {
			// A source that reported before and then went silent keeps the
			// system from looking healthy.
			sawAny = true
			if worstRank < rankWarning {
				worstRank = rankWarning
			}
		}
	}

	if weightSum > 0 {
		snap.Aggregate.OverallProgress = progressSum / weightSum
		snap.Aggregate.OverallCoverage = coverageSum / weightSum
		snap.Aggregate.OverallQuality = qualitySum / weightSum
	}
	switch {
	case !sawAny:
		snap.Aggregate.HealthStatus = ingest.StatusUnknown
	case worstRank >= rankCritical:
		snap.Aggregate.HealthStatus = ingest.StatusCritical
	case worstRank >= rankUnknown:
		snap.Aggregate.HealthStatus = ingest.StatusWarning
	default:
		snap.Aggregate.HealthStatus = ingest.StatusOperational
	}
	snap.Aggregate.Degraded = a.degraded.Load()
	return snap
}

// Record pushes a summary into the trend ring. The evaluation loop calls
// it once per cycle.
func (a *Aggregator) Record(s Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, s)
	if len(a.recent) > a.trendWindow {
		a.recent = a.recent[len(a.recent)-a.trendWindow:]
	}
}

// Recent returns a copy of up to k recent summaries, oldest first.
func (a *Aggregator) Recent(k int) []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if k <= 0 || k > len(a.recent) {
		k = len(a.recent)
	}
	out := make([]Summary, k)
	copy(out, a.recent[len(a.recent)-k:])
	return out
}

// MarkDegraded flags snapshots after a sweep or evaluation cycle error.
func (a *Aggregator) MarkDegraded() { a.degraded.Store(true) }

// ClearDegraded resets the flag once a cycle completes cleanly.
func (a *Aggregator) ClearDegraded() { a.degraded.Store(false) }

const (
	rankOperational = 0
	rankUnknown     = 1
	rankWarning     = 2
	rankCritical    = 3
)

// statusRank orders statuses from healthy to broken. Offline and warning
// both degrade the aggregate to warning; the per-source detail keeps the
// exact status.
func statusRank(s ingest.Status) int {
	switch s {
	case ingest.StatusCritical:
		return rankCritical
	case ingest.StatusWarning, ingest.StatusOffline:
		return rankWarning
	case ingest.StatusOperational:
		return rankOperational
	default:
		return rankUnknown
	}
}
