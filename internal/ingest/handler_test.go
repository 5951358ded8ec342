package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
)

// memorySubmitter is a minimal Submitter with per-source latest tracking,
// mirroring the store's stale rejection.
type memorySubmitter struct {
	latest map[string]time.Time
}

func newMemorySubmitter() *memorySubmitter {
	return &memorySubmitter{latest: make(map[string]time.Time)}
}

func (m *memorySubmitter) Submit(ctx context.Context, doc MetricDocument) (bool, error) {
	if err := Validate(&doc); err != nil {
		return false, err
	}
	if last, ok := m.latest[doc.SourceID]; ok && !doc.Timestamp.After(last) {
		return false, apperrors.Newf(apperrors.ErrStaleDocument, 409, "stale document")
	}
	m.latest[doc.SourceID] = doc.Timestamp
	return true, nil
}

func postDocument(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)
	return rec
}

func marshalDoc(t *testing.T, doc MetricDocument) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestSubmitAcceptsValidDocument(t *testing.T) {
	h := NewHandler(newMemorySubmitter(), nil)
	rec := postDocument(t, h, marshalDoc(t, validDocument()))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s), want 202", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["source_id"] != "crawler-eu-1" {
		t.Fatalf("response = %v", body)
	}
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	h := NewHandler(newMemorySubmitter(), nil)
	rec := postDocument(t, h, `{"source_id": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitReturnsFieldErrors(t *testing.T) {
	h := NewHandler(newMemorySubmitter(), nil)
	doc := validDocument()
	doc.Metrics.CoveragePercentage = 140
	rec := postDocument(t, h, marshalDoc(t, doc))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := body.Fields["metrics.coverage_percentage"]; !ok {
		t.Fatalf("fields = %v, want coverage_percentage entry", body.Fields)
	}
}

func TestSubmitRejectsStaleDocumentWithConflict(t *testing.T) {
	h := NewHandler(newMemorySubmitter(), nil)
	doc := validDocument()

	if rec := postDocument(t, h, marshalDoc(t, doc)); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}
	// Same timestamp again: a replay, not an error worth retrying.
	if rec := postDocument(t, h, marshalDoc(t, doc)); rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}
}
