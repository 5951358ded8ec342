package aggregate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

func newFixture(t *testing.T) (*store.Store, *registry.Registry, *Aggregator) {
	t.Helper()
	reg := registry.New(config.RegistryConfig{
		DefaultInterval:  time.Minute,
		OfflineThreshold: 2,
	})
	st := store.New(store.WithAcceptFunc(reg.Touch))
	return st, reg, New(st, reg, 12)
}

func submit(t *testing.T, st *store.Store, source string, age time.Duration, weight, progress, coverage, quality float64, status ingest.Status) {
	t.Helper()
	doc := ingest.MetricDocument{
		SourceID:  source,
		Timestamp: time.Now().Add(-age),
		Weight:    weight,
		Metrics: ingest.Metrics{
			ProgressPercentage: progress,
			CoveragePercentage: coverage,
			QualityScore:       quality,
		},
		Status: status,
	}
	if _, err := st.Submit(context.Background(), doc); err != nil {
		t.Fatalf("Submit(%s) = %v", source, err)
	}
}

func TestSnapshotWeightedAverages(t *testing.T) {
	st, _, agg := newFixture(t)
	submit(t, st, "a", time.Second, 3, 100, 90, 80, ingest.StatusOperational)
	submit(t, st, "b", time.Second, 1, 20, 50, 40, ingest.StatusOperational)

	snap := agg.Snapshot()
	if snap.Aggregate.ActiveSourceCount != 2 {
		t.Fatalf("active sources = %d, want 2", snap.Aggregate.ActiveSourceCount)
	}
	// (3*100 + 1*20) / 4 = 80
	if got := snap.Aggregate.OverallProgress; got != 80 {
		t.Fatalf("overall progress = %g, want 80", got)
	}
	// (3*90 + 1*50) / 4 = 80
	if got := snap.Aggregate.OverallCoverage; got != 80 {
		t.Fatalf("overall coverage = %g, want 80", got)
	}
	// (3*80 + 1*40) / 4 = 70
	if got := snap.Aggregate.OverallQuality; got != 70 {
		t.Fatalf("overall quality = %g, want 70", got)
	}
	if snap.Aggregate.HealthStatus != ingest.StatusOperational {
		t.Fatalf("health = %s, want operational", snap.Aggregate.HealthStatus)
	}
}

func TestSnapshotHealthIsWorstOfSources(t *testing.T) {
	st, _, agg := newFixture(t)
	submit(t, st, "a", time.Second, 1, 90, 90, 90, ingest.StatusOperational)
	submit(t, st, "b", time.Second, 1, 90, 90, 90, ingest.StatusOperational)
	submit(t, st, "c", time.Second, 1, 90, 90, 90, ingest.StatusCritical)

	snap := agg.Snapshot()
	if snap.Aggregate.HealthStatus != ingest.StatusCritical {
		t.Fatalf("health = %s, want critical (one bad source must not be masked)", snap.Aggregate.HealthStatus)
	}
}

func TestSilentSourceDegradesHealth(t *testing.T) {
	st, _, agg := newFixture(t)
	submit(t, st, "a", time.Second, 1, 90, 90, 90, ingest.StatusOperational)
	// Last seen far outside the activity window (2x default interval).
	submit(t, st, "b", 10*time.Minute, 1, 90, 90, 90, ingest.StatusOperational)

	snap := agg.Snapshot()
	if snap.Aggregate.ActiveSourceCount != 1 {
		t.Fatalf("active sources = %d, want 1", snap.Aggregate.ActiveSourceCount)
	}
	if snap.Aggregate.HealthStatus != ingest.StatusWarning {
		t.Fatalf("health = %s, want warning for a silent source", snap.Aggregate.HealthStatus)
	}
	// Inactive sources must not bias the averages.
	if snap.Aggregate.OverallProgress != 90 {
		t.Fatalf("overall progress = %g, want 90", snap.Aggregate.OverallProgress)
	}
	if state := snap.Sources["b"]; state.Active {
		t.Fatal("silent source reported active")
	}
}

func TestSnapshotWithNoSourcesIsUnknown(t *testing.T) {
	_, _, agg := newFixture(t)
	snap := agg.Snapshot()
	if snap.Aggregate.HealthStatus != ingest.StatusUnknown {
		t.Fatalf("health = %s, want unknown", snap.Aggregate.HealthStatus)
	}
	if snap.Aggregate.ActiveSourceCount != 0 {
		t.Fatalf("active sources = %d, want 0", snap.Aggregate.ActiveSourceCount)
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	st, _, agg := newFixture(t)
	submit(t, st, "a", time.Second, 2, 75, 88, 91, ingest.StatusWarning)

	snap := agg.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if back.Aggregate != snap.Aggregate {
		t.Fatalf("aggregate changed over round trip:\n  got  %+v\n  want %+v", back.Aggregate, snap.Aggregate)
	}
	if len(back.Sources) != len(snap.Sources) {
		t.Fatalf("sources = %d, want %d", len(back.Sources), len(snap.Sources))
	}
	if back.Sources["a"].Document.Metrics != snap.Sources["a"].Document.Metrics {
		t.Fatal("source metrics changed over round trip")
	}
}

func TestRecentRingIsBounded(t *testing.T) {
	reg := registry.New(config.RegistryConfig{DefaultInterval: time.Minute})
	agg := New(store.New(), reg, 3)

	for i := 0; i < 5; i++ {
		agg.Record(Summary{OverallProgress: float64(i)})
	}
	recent := agg.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("ring holds %d summaries, want 3", len(recent))
	}
	if recent[0].OverallProgress != 2 || recent[2].OverallProgress != 4 {
		t.Fatalf("ring contents wrong, oldest first expected: %+v", recent)
	}
}

func TestDegradedFlagPropagates(t *testing.T) {
	st, _, agg := newFixture(t)
	submit(t, st, "a", time.Second, 1, 50, 50, 50, ingest.StatusOperational)

	agg.MarkDegraded()
	if !agg.Snapshot().Aggregate.Degraded {
		t.Fatal("snapshot not marked degraded")
	}
	agg.ClearDegraded()
	if agg.Snapshot().Aggregate.Degraded {
		t.Fatal("snapshot still degraded after clear")
	}
}
