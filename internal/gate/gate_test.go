package gate

import (
	"testing"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

func coverageGate(comparator string, threshold float64) config.GateConfig {
	return config.GateConfig{
		Name:       "coverage_gate",
		MetricPath: "aggregate.overall_coverage",
		Comparator: comparator,
		Threshold:  threshold,
	}
}

func snapshotWithCoverage(v float64) aggregate.Snapshot {
	return aggregate.Snapshot{
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Aggregate: aggregate.Summary{OverallCoverage: v},
	}
}

func coverageSeries(values ...float64) []aggregate.Summary {
	out := make([]aggregate.Summary, len(values))
	for i, v := range values {
		out[i] = aggregate.Summary{OverallCoverage: v}
	}
	return out
}

func TestGatePassAndFail(t *testing.T) {
	e := New(config.GatesConfig{
		TrendWindow: 12,
		Epsilon:     0.5,
		Defs:        []config.GateConfig{coverageGate(">=", 90)},
	})

	report := e.Evaluate(snapshotWithCoverage(92), nil)
	if !report.Passed || !report.Gates[0].Passed {
		t.Fatalf("report = %+v, want pass at 92", report)
	}

	report = e.Evaluate(snapshotWithCoverage(89.9), nil)
	if report.Passed || report.Gates[0].Passed {
		t.Fatalf("report = %+v, want fail at 89.9", report)
	}
	if report.Gates[0].Value != 89.9 {
		t.Fatalf("gate value = %g, want 89.9", report.Gates[0].Value)
	}
}

func TestOneFailingGateFailsTheReport(t *testing.T) {
	e := New(config.GatesConfig{
		TrendWindow: 12,
		Epsilon:     0.5,
		Defs: []config.GateConfig{
			coverageGate(">=", 90),
			{
				Name:       "progress_gate",
				MetricPath: "aggregate.overall_progress",
				Comparator: ">=",
				Threshold:  50,
			},
		},
	})

	snap := snapshotWithCoverage(95) // progress stays zero
	report := e.Evaluate(snap, nil)
	if report.Passed {
		t.Fatalf("report passed with a failing gate: %+v", report)
	}
	if !report.Gates[0].Passed || report.Gates[1].Passed {
		t.Fatalf("per-gate outcomes wrong: %+v", report.Gates)
	}
}

func TestTrendDirections(t *testing.T) {
	e := New(config.GatesConfig{
		TrendWindow: 6,
		Epsilon:     0.5,
		Defs:        []config.GateConfig{coverageGate(">=", 90)},
	})
	snap := snapshotWithCoverage(92)

	for _, tc := range []struct {
		name   string
		series []float64
		want   Trend
	}{
		{"rising coverage improves", []float64{80, 81, 82, 90, 91, 92}, TrendImproving},
		{"falling coverage declines", []float64{95, 94, 93, 86, 85, 84}, TrendDeclining},
		{"flat coverage is stable", []float64{90, 90.1, 90, 90.1, 90, 90.1}, TrendStable},
	} {
		report := e.Evaluate(snap, coverageSeries(tc.series...))
		if got := report.Gates[0].Trend; got != tc.want {
			t.Errorf("%s: trend = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTrendDirectionFollowsComparator(t *testing.T) {
	// A gate that wants a LOW value: rising numbers are a decline.
	e := New(config.GatesConfig{
		TrendWindow: 6,
		Epsilon:     0.5,
		Defs:        []config.GateConfig{coverageGate("<=", 10)},
	})
	report := e.Evaluate(snapshotWithCoverage(5), coverageSeries(2, 2, 2, 8, 8, 8))
	if got := report.Gates[0].Trend; got != TrendDeclining {
		t.Fatalf("trend = %s, want declining for a rising low-is-good metric", got)
	}
}

func TestTrendUnknownWithoutHistory(t *testing.T) {
	e := New(config.GatesConfig{
		TrendWindow: 6,
		Epsilon:     0.5,
		Defs:        []config.GateConfig{coverageGate(">=", 90)},
	})
	report := e.Evaluate(snapshotWithCoverage(92), coverageSeries(91))
	if got := report.Gates[0].Trend; got != TrendUnknown {
		t.Fatalf("trend = %s, want unknown with one sample", got)
	}
}

func TestUnknownMetricPathFailsClosed(t *testing.T) {
	e := New(config.GatesConfig{
		TrendWindow: 6,
		Epsilon:     0.5,
		Defs: []config.GateConfig{{
			Name:       "typo_gate",
			MetricPath: "aggregate.overall_coverag",
			Comparator: ">=",
			Threshold:  90,
		}},
	})
	report := e.Evaluate(snapshotWithCoverage(95), nil)
	if report.Passed || report.Gates[0].Passed {
		t.Fatalf("unknown metric path must fail the gate: %+v", report)
	}
}
