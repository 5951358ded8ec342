// Package gate evaluates quality gates against aggregate snapshots.
// Evaluation is pure: a gate result is a function of the current snapshot
// and the recent summary history, with no side effects.
package gate

import (
	"fmt"
	"math"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// Trend describes where a gated metric is heading over the trend window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
	TrendUnknown   Trend = "unknown"
)

// Result is the outcome of one gate.
type Result struct {
	Name       string  `json:"name"`
	MetricPath string  `json:"metric_path"`
	Comparator string  `json:"comparator"`
	Threshold  float64 `json:"threshold"`
	Value      float64 `json:"value"`
	Passed     bool    `json:"passed"`
	Trend      Trend   `json:"trend"`
}

// Report is the outcome of a full gate evaluation. Passed is the AND of
// every gate.
type Report struct {
	EvaluatedAt time.Time `json:"evaluated_at"`
	Passed      bool      `json:"passed"`
	Gates       []Result  `json:"gates"`
}

// Evaluator holds the configured gate definitions.
type Evaluator struct {
	defs    []config.GateConfig
	window  int
	epsilon float64
}

// New creates an Evaluator from config.
func New(cfg config.GatesConfig) *Evaluator {
	window := cfg.TrendWindow
	if window < 2 {
		window = 12
	}
	epsilon := cfg.Epsilon
	if epsilon <= 0 {
		epsilon = 0.5
	}
	return &Evaluator{defs: cfg.Defs, window: window, epsilon: epsilon}
}

// Evaluate runs every gate against the snapshot. recent is the aggregate
// summary history, oldest first; it feeds the trend computation and may
// be empty.
func (e *Evaluator) Evaluate(snap aggregate.Snapshot, recent []aggregate.Summary) Report {
	report := Report{
		EvaluatedAt: snap.Timestamp,
		Passed:      true,
		Gates:       make([]Result, 0, len(e.defs)),
	}
	for _, def := range e.defs {
		value, err := summaryField(def.MetricPath, snap.Aggregate)
		res := Result{
			Name:       def.Name,
			MetricPath: def.MetricPath,
			Comparator: def.Comparator,
			Threshold:  def.Threshold,
			Trend:      TrendUnknown,
		}
		if err != nil {
			res.Passed = false
		} else {
			res.Value = value
			res.Passed = compare(value, def.Comparator, def.Threshold)
			res.Trend = e.trend(def, recent)
		}
		if !res.Passed {
			report.Passed = false
		}
		report.Gates = append(report.Gates, res)
	}
	return report
}

// trend compares the mean of the newer half of the window against the
// older half. Movement below epsilon is stable; otherwise the comparator
// decides which direction counts as improving.
func (e *Evaluator) trend(def config.GateConfig, recent []aggregate.Summary) Trend {
	if len(recent) > e.window {
		recent = recent[len(recent)-e.window:]
	}
	if len(recent) < 2 {
		return TrendUnknown
	}
	mid := len(recent) / 2
	older, err := meanField(def.MetricPath, recent[:mid])
	if err != nil {
		return TrendUnknown
	}
	newer, err := meanField(def.MetricPath, recent[mid:])
	if err != nil {
		return TrendUnknown
	}
	delta := newer - older
	if math.Abs(delta) <= e.epsilon {
		return TrendStable
	}
	if improving(def.Comparator, def.Threshold, older, newer) {
		return TrendImproving
	}
	return TrendDeclining
}

// improving maps movement direction onto the gate's pass direction:
// gates that want a high value improve when rising, gates that want a
// low value improve when falling, and equality gates improve when the
// value closes in on the threshold.
func improving(comparator string, threshold, older, newer float64) bool {
	switch comparator {
	case ">", ">=":
		return newer > older
	case "<", "<=":
		return newer < older
	default:
		return math.Abs(newer-threshold) < math.Abs(older-threshold)
	}
}

func compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		return false
	}
}

func meanField(path string, window []aggregate.Summary) (float64, error) {
	var sum float64
	for _, s := range window {
		v, err := summaryField(path, s)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(window)), nil
}

func summaryField(path string, s aggregate.Summary) (float64, error) {
	switch path {
	case "aggregate.overall_progress":
		return s.OverallProgress, nil
	case "aggregate.overall_coverage":
		return s.OverallCoverage, nil
	case "aggregate.overall_quality":
		return s.OverallQuality, nil
	case "aggregate.active_source_count":
		return float64(s.ActiveSourceCount), nil
	default:
		return 0, fmt.Errorf("unknown gate metric path %q", path)
	}
}
