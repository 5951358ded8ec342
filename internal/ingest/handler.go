package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
	"github.com/pulsegrid/pulsegrid/pkg/logger"
	"github.com/pulsegrid/pulsegrid/pkg/metrics"
)

// Submitter accepts validated metric documents. The ingestion store
// implements it.
type Submitter interface {
	Submit(ctx context.Context, doc MetricDocument) (bool, error)
}

// Handler serves the metric submission endpoint.
type Handler struct {
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHandler creates the ingestion handler. The metrics argument may be
// nil.
func NewHandler(sub Submitter, m *metrics.Metrics) *Handler {
	return &Handler{
		submitter: sub,
		metrics:   m,
		logger:    logger.WithComponent("ingest-handler"),
	}
}

// Submit handles POST /api/v1/metrics. Stale documents (timestamp not
// newer than the latest accepted one for the source) are rejected with
// 409 so a retrying sender can tell replay from error.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var doc MetricDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.reject("decode")
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	accepted, err := h.submitter.Submit(ctx, doc)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			h.reject("validation")
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		statusCode := apperrors.HTTPStatusCode(err)
		if errors.Is(err, apperrors.ErrStaleDocument) {
			h.reject("stale")
			h.writeError(w, statusCode, "document is not newer than the latest accepted one")
			return
		}
		h.reject("storage")
		log.Error("submission failed",
			"source_id", doc.SourceID,
			"error", err,
			"status_code", statusCode,
		)
		h.writeError(w, statusCode, "submission failed")
		return
	}

	if h.metrics != nil {
		h.metrics.DocumentsTotal.WithLabelValues(doc.SourceID).Inc()
	}
	log.Info("document accepted",
		"source_id", doc.SourceID,
		"timestamp", doc.Timestamp,
		"status", doc.Status,
	)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  accepted,
		"source_id": doc.SourceID,
	})
}

func (h *Handler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.DocumentsRejected.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
