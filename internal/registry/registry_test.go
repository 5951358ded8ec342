package registry

import (
	"testing"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

var baseTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		DefaultInterval:  time.Minute,
		OfflineThreshold: 2,
		Sources: []config.SourceConfig{
			{ID: "crawler-1", Role: "crawler", Interval: time.Minute, Weight: 2},
		},
	}
}

func report(source string, at time.Time) ingest.MetricDocument {
	return ingest.MetricDocument{
		SourceID:  source,
		Timestamp: at,
		Status:    ingest.StatusOperational,
	}
}

func drain(r *Registry) []Event {
	var events []Event
	for {
		select {
		case ev := <-r.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestDeclaredSourceStartsUnknown(t *testing.T) {
	r := New(testConfig())
	src, ok := r.Lookup("crawler-1")
	if !ok {
		t.Fatal("declared source not found")
	}
	if src.Status != ingest.StatusUnknown {
		t.Fatalf("status = %s, want unknown", src.Status)
	}
	if src.Weight != 2 {
		t.Fatalf("weight = %g, want 2", src.Weight)
	}
}

func TestTouchAutoRegistersUnknownSource(t *testing.T) {
	r := New(testConfig())
	r.Touch(report("surprise", baseTime))

	src, ok := r.Lookup("surprise")
	if !ok {
		t.Fatal("auto-registered source not found")
	}
	if src.ExpectedInterval != time.Minute {
		t.Fatalf("interval = %s, want default %s", src.ExpectedInterval, time.Minute)
	}
	if !src.LastSeen.Equal(baseTime) {
		t.Fatalf("last_seen = %s, want %s", src.LastSeen, baseTime)
	}
}

func TestSweepDoesNotPenaliseNeverSeenSources(t *testing.T) {
	r := New(testConfig())
	events := r.Sweep(baseTime.Add(time.Hour))
	if len(events) != 0 {
		t.Fatalf("Sweep() emitted %v for a never-seen source", events)
	}
	src, _ := r.Lookup("crawler-1")
	if src.ConsecutiveMissed != 0 {
		t.Fatalf("consecutive_missed = %d, want 0", src.ConsecutiveMissed)
	}
}

func TestSweepMarksOfflineAtThreshold(t *testing.T) {
	r := New(testConfig())
	r.Touch(report("crawler-1", baseTime))
	drain(r)

	// First overdue sweep: one miss, below threshold.
	events := r.Sweep(baseTime.Add(90 * time.Second))
	if len(events) != 0 {
		t.Fatalf("first sweep emitted %v, want none", events)
	}

	// Second overdue sweep crosses the threshold.
	events = r.Sweep(baseTime.Add(3 * time.Minute))
	if len(events) != 1 || events[0].Type != EventOffline {
		t.Fatalf("second sweep emitted %v, want one offline event", events)
	}
	if events[0].Missed != 2 {
		t.Fatalf("missed = %d, want 2", events[0].Missed)
	}

	src, _ := r.Lookup("crawler-1")
	if !src.Offline || src.Status != ingest.StatusOffline {
		t.Fatalf("source = %+v, want offline", src)
	}

	// Subsequent sweeps keep emitting with a growing miss count so the
	// engine can escalate the alert.
	events = r.Sweep(baseTime.Add(5 * time.Minute))
	if len(events) != 1 || events[0].Missed != 3 {
		t.Fatalf("third sweep emitted %v, want missed=3", events)
	}
}

func TestTouchAfterOfflineEmitsRecovery(t *testing.T) {
	r := New(testConfig())
	r.Touch(report("crawler-1", baseTime))
	r.Sweep(baseTime.Add(2 * time.Minute))
	r.Sweep(baseTime.Add(4 * time.Minute))
	drain(r)

	r.Touch(report("crawler-1", baseTime.Add(5*time.Minute)))

	events := drain(r)
	if len(events) != 1 || events[0].Type != EventRecovered {
		t.Fatalf("events after recovery = %v, want one recovered event", events)
	}
	src, _ := r.Lookup("crawler-1")
	if src.Offline || src.ConsecutiveMissed != 0 {
		t.Fatalf("source = %+v, want recovered", src)
	}
}

func TestIsActiveUsesTwiceTheInterval(t *testing.T) {
	r := New(testConfig())
	r.Touch(report("crawler-1", baseTime))

	if !r.IsActive("crawler-1", baseTime.Add(2*time.Minute)) {
		t.Fatal("source inactive inside 2x interval")
	}
	if r.IsActive("crawler-1", baseTime.Add(2*time.Minute+time.Second)) {
		t.Fatal("source active outside 2x interval")
	}
	if r.IsActive("nope", baseTime) {
		t.Fatal("unknown source reported active")
	}
}

func TestSourcesSortedByID(t *testing.T) {
	r := New(testConfig())
	r.Touch(report("zeta", baseTime))
	r.Touch(report("alpha", baseTime))

	sources := r.Sources()
	if len(sources) != 3 {
		t.Fatalf("got %d sources, want 3", len(sources))
	}
	for i := 1; i < len(sources); i++ {
		if sources[i-1].ID > sources[i].ID {
			t.Fatalf("sources not sorted: %s before %s", sources[i-1].ID, sources[i].ID)
		}
	}
}
