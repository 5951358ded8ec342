// Package ingest defines the MetricDocument wire schema, its validation
// rules, and the HTTP and Kafka ingestion paths that feed the store.
package ingest

import "time"

// Status is the self-reported state of a source.
type Status string

const (
	StatusOperational Status = "operational"
	StatusWarning     Status = "warning"
	StatusCritical    Status = "critical"
	StatusOffline     Status = "offline"
	StatusUnknown     Status = "unknown"
)

// KnownStatus reports whether s is one of the accepted status values.
func KnownStatus(s Status) bool {
	switch s {
	case StatusOperational, StatusWarning, StatusCritical, StatusOffline, StatusUnknown:
		return true
	}
	return false
}

// ComponentCounts breaks a source's tracked components down by phase.
// Total must equal Completed + InProgress + Pending.
type ComponentCounts struct {
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	Total      int `json:"total"`
}

// PerformanceMetrics carries the operational numbers a source reports
// alongside its progress figures.
type PerformanceMetrics struct {
	ResponseTimeMs float64 `json:"response_time_ms"`
	MemoryUsageMB  float64 `json:"memory_usage_mb"`
	ErrorRate      float64 `json:"error_rate"`
}

// Metrics is the measurement payload of a MetricDocument. All percentage
// fields are in [0, 100].
type Metrics struct {
	ProgressPercentage float64            `json:"progress_percentage"`
	CoveragePercentage float64            `json:"coverage_percentage"`
	QualityScore       float64            `json:"quality_score"`
	ComponentCounts    ComponentCounts    `json:"component_counts"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
}

// MetricDocument is one periodic report from a source. Timestamps must be
// strictly increasing per source; the store rejects anything else.
type MetricDocument struct {
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
	Status    Status    `json:"status"`
	Alerts    []string  `json:"alerts,omitempty"`
	Weight    float64   `json:"weight,omitempty"`
}

// EffectiveWeight returns the declared aggregation weight, defaulting to 1.
func (d MetricDocument) EffectiveWeight() float64 {
	if d.Weight > 0 {
		return d.Weight
	}
	return 1
}
