package ingest

import (
	"fmt"
	"strings"

	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
)

const maxSourceIDLength = 255

// ValidationError holds per-field validation failure messages. It unwraps
// to errors.ErrValidation so callers can match the taxonomy.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrValidation
}

// Validate checks a MetricDocument against the schema: required fields,
// percentage ranges, the component-count invariant, and the status enum.
// It returns a ValidationError listing every violated field.
func Validate(doc *MetricDocument) error {
	errs := make(map[string]string)

	sourceID := strings.TrimSpace(doc.SourceID)
	if sourceID == "" {
		errs["source_id"] = "source_id is required"
	} else if len(sourceID) > maxSourceIDLength {
		errs["source_id"] = fmt.Sprintf("source_id must be at most %d characters", maxSourceIDLength)
	}
	if doc.Timestamp.IsZero() {
		errs["timestamp"] = "timestamp is required"
	}
	checkPercentage(errs, "metrics.progress_percentage", doc.Metrics.ProgressPercentage)
	checkPercentage(errs, "metrics.coverage_percentage", doc.Metrics.CoveragePercentage)
	checkPercentage(errs, "metrics.quality_score", doc.Metrics.QualityScore)

	cc := doc.Metrics.ComponentCounts
	if cc.Completed < 0 || cc.InProgress < 0 || cc.Pending < 0 || cc.Total < 0 {
		errs["metrics.component_counts"] = "component counts must be non-negative"
	} else if cc.Total != cc.Completed+cc.InProgress+cc.Pending {
		errs["metrics.component_counts.total"] = fmt.Sprintf(
			"total (%d) must equal completed+in_progress+pending (%d)",
			cc.Total, cc.Completed+cc.InProgress+cc.Pending,
		)
	}
	if doc.Metrics.PerformanceMetrics.ErrorRate < 0 {
		errs["metrics.performance_metrics.error_rate"] = "error_rate must be non-negative"
	}
	if !KnownStatus(doc.Status) {
		errs["status"] = fmt.Sprintf("unknown status %q", doc.Status)
	}
	if doc.Weight < 0 {
		errs["weight"] = "weight must be positive when set"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func checkPercentage(errs map[string]string, field string, v float64) {
	if v < 0 || v > 100 {
		errs[field] = fmt.Sprintf("must be between 0 and 100, got %g", v)
	}
}
