package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/internal/gate"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
	"github.com/pulsegrid/pulsegrid/pkg/logger"
)

const defaultHistoryLimit = 100

// Acknowledger marks alerts acknowledged. The escalation engine
// implements it.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id string, muteFor time.Duration) error
}

// Handler serves the read-side API.
type Handler struct {
	aggregator *aggregate.Aggregator
	cache      *SnapshotCache
	store      *store.Store
	registry   *registry.Registry
	ledger     ledger.Ledger
	gates      *gate.Evaluator
	acks       Acknowledger
	logger     *slog.Logger
}

// NewHandler creates the query handler.
func NewHandler(
	agg *aggregate.Aggregator,
	cache *SnapshotCache,
	st *store.Store,
	reg *registry.Registry,
	led ledger.Ledger,
	gates *gate.Evaluator,
	acks Acknowledger,
) *Handler {
	return &Handler{
		aggregator: agg,
		cache:      cache,
		store:      st,
		registry:   reg,
		ledger:     led,
		gates:      gates,
		acks:       acks,
		logger:     logger.WithComponent("query-handler"),
	}
}

// Snapshot handles GET /api/v1/snapshot.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Get(r.Context(), h.aggregator.Snapshot)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// History handles GET /api/v1/history?source_id=X&since=RFC3339&limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		h.writeError(w, http.StatusBadRequest, "source_id query parameter is required")
		return
	}
	if _, ok := h.registry.Lookup(sourceID); !ok {
		h.writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	docs := h.store.History(sourceID, since, limit)
	if docs == nil {
		docs = []ingest.MetricDocument{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"source_id": sourceID,
		"count":     len(docs),
		"documents": docs,
	})
}

// Alerts handles GET /api/v1/alerts?level=&from=&to=&limit=.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{Level: alert.Level(q.Get("level"))}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	alerts, err := h.ledger.List(r.Context(), f)
	if err != nil {
		logger.FromContext(r.Context()).Error("alert query failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "alert query failed")
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// Acknowledge handles POST /api/v1/alerts/{id}/ack. An optional body
// {"mute_for": "30m"} overrides the default mute window.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "alert id is required")
		return
	}

	var muteFor time.Duration
	if r.Body != nil && r.ContentLength != 0 {
		var body struct {
			MuteFor string `json:"mute_for"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.MuteFor != "" {
			d, err := time.ParseDuration(body.MuteFor)
			if err != nil || d < 0 {
				h.writeError(w, http.StatusBadRequest, "mute_for must be a positive duration")
				return
			}
			muteFor = d
		}
	}

	if err := h.acks.Acknowledge(r.Context(), id, muteFor); err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("acknowledge failed", "alert_id", id, "error", err)
		}
		h.writeError(w, status, "acknowledge failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"alert_id": id,
		"status":   "acknowledged",
	})
}

// Gates handles GET /api/v1/gates.
func (h *Handler) Gates(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Get(r.Context(), h.aggregator.Snapshot)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	report := h.gates.Evaluate(snap, h.aggregator.Recent(0))
	h.writeJSON(w, http.StatusOK, report)
}

// Sources handles GET /api/v1/sources.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	sources := h.registry.Sources()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(sources),
		"sources": sources,
	})
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
