// Package escalate implements the stateful escalation engine: one
// debounced state machine per (rule, subject) pair, deduplicated
// notification, hysteresis on clearing, acknowledgement muting, and
// delivery-failure meta-alerts.
package escalate

import (
	"fmt"
	"strings"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// State is the phase of one rule/subject machine.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateCritical
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Rule is one escalation rule, parsed from config.
type Rule struct {
	Name           string
	MetricPath     string
	Comparator     string
	Threshold      float64
	Level          alert.Level
	SustainWindow  int
	CooldownWindow int
}

// RulesFromConfig converts the validated config rules.
func RulesFromConfig(cfgs []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r := Rule{
			Name:           c.Name,
			MetricPath:     c.MetricPath,
			Comparator:     c.Comparator,
			Threshold:      c.Threshold,
			Level:          alert.Level(c.Level),
			SustainWindow:  c.SustainWindow,
			CooldownWindow: c.CooldownWindow,
		}
		if r.CooldownWindow < 1 {
			r.CooldownWindow = 1
		}
		rules = append(rules, r)
	}
	return rules
}

// alertState reports whether the rule's level maps to the Warning or
// Critical machine state.
func (r Rule) alertState() State {
	if r.Level == alert.LevelCritical {
		return StateCritical
	}
	return StateWarning
}

// breached evaluates the rule's comparator against a value.
func (r Rule) breached(value float64) bool {
	switch r.Comparator {
	case "<":
		return value < r.Threshold
	case "<=":
		return value <= r.Threshold
	case ">":
		return value > r.Threshold
	case ">=":
		return value >= r.Threshold
	case "==":
		return value == r.Threshold
	case "!=":
		return value != r.Threshold
	default:
		return false
	}
}

const perSourcePrefix = "sources.*."

// resolveMetric maps a metric path onto the snapshot. Aggregate paths
// produce a single value keyed by the empty subject; per-source paths
// produce one value per active source, keyed by source id.
func resolveMetric(path string, snap aggregate.Snapshot) (map[string]float64, error) {
	if field, ok := strings.CutPrefix(path, "aggregate."); ok {
		v, err := aggregateField(field, snap.Aggregate)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"": v}, nil
	}
	if field, ok := strings.CutPrefix(path, perSourcePrefix); ok {
		values := make(map[string]float64, len(snap.Sources))
		for id, state := range snap.Sources {
			if !state.Active {
				continue
			}
			v, err := sourceField(field, state)
			if err != nil {
				return nil, err
			}
			values[id] = v
		}
		return values, nil
	}
	return nil, fmt.Errorf("unresolvable metric path %q", path)
}

func aggregateField(field string, s aggregate.Summary) (float64, error) {
	switch field {
	case "overall_progress":
		return s.OverallProgress, nil
	case "overall_coverage":
		return s.OverallCoverage, nil
	case "overall_quality":
		return s.OverallQuality, nil
	case "active_source_count":
		return float64(s.ActiveSourceCount), nil
	default:
		return 0, fmt.Errorf("unknown aggregate field %q", field)
	}
}

func sourceField(field string, s aggregate.SourceState) (float64, error) {
	m := s.Document.Metrics
	switch field {
	case "metrics.progress_percentage":
		return m.ProgressPercentage, nil
	case "metrics.coverage_percentage":
		return m.CoveragePercentage, nil
	case "metrics.quality_score":
		return m.QualityScore, nil
	case "metrics.performance_metrics.response_time_ms":
		return m.PerformanceMetrics.ResponseTimeMs, nil
	case "metrics.performance_metrics.memory_usage_mb":
		return m.PerformanceMetrics.MemoryUsageMB, nil
	case "metrics.performance_metrics.error_rate":
		return m.PerformanceMetrics.ErrorRate, nil
	case "metrics.component_counts.pending":
		return float64(m.ComponentCounts.Pending), nil
	default:
		return 0, fmt.Errorf("unknown source field %q", field)
	}
}
