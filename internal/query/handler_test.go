package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/internal/gate"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
)

type fakeAcks struct {
	lastID   string
	lastMute time.Duration
}

func (f *fakeAcks) Acknowledge(ctx context.Context, id string, muteFor time.Duration) error {
	if id == "missing" {
		return apperrors.Newf(apperrors.ErrAlertNotFound, 404, "alert %s", id)
	}
	f.lastID = id
	f.lastMute = muteFor
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Memory, *fakeAcks) {
	t.Helper()
	reg := registry.New(config.RegistryConfig{
		DefaultInterval: time.Minute,
		Sources:         []config.SourceConfig{{ID: "crawler-1", Interval: time.Minute}},
	})
	st := store.New(store.WithAcceptFunc(reg.Touch))
	for i := 0; i < 3; i++ {
		doc := ingest.MetricDocument{
			SourceID:  "crawler-1",
			Timestamp: time.Now().Add(time.Duration(i-3) * time.Second),
			Metrics: ingest.Metrics{
				ProgressPercentage: 50,
				CoveragePercentage: 92,
				QualityScore:       88,
			},
			Status: ingest.StatusOperational,
		}
		if _, err := st.Submit(context.Background(), doc); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}

	agg := aggregate.New(st, reg, 12)
	led := ledger.NewMemory()
	gates := gate.New(config.GatesConfig{
		TrendWindow: 12,
		Epsilon:     0.5,
		Defs: []config.GateConfig{{
			Name:       "coverage_gate",
			MetricPath: "aggregate.overall_coverage",
			Comparator: ">=",
			Threshold:  90,
		}},
	})
	acks := &fakeAcks{}
	h := NewHandler(agg, NewSnapshotCache(nil, 0), st, reg, led, gates, acks)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/snapshot", h.Snapshot)
	mux.HandleFunc("GET /api/v1/history", h.History)
	mux.HandleFunc("GET /api/v1/alerts", h.Alerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", h.Acknowledge)
	mux.HandleFunc("GET /api/v1/gates", h.Gates)
	mux.HandleFunc("GET /api/v1/sources", h.Sources)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, led, acks
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", url, err)
		}
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var snap aggregate.Snapshot
	getJSON(t, srv.URL+"/api/v1/snapshot", http.StatusOK, &snap)
	if snap.Aggregate.ActiveSourceCount != 1 {
		t.Fatalf("active sources = %d, want 1", snap.Aggregate.ActiveSourceCount)
	}
	if snap.Aggregate.OverallCoverage != 92 {
		t.Fatalf("coverage = %g, want 92", snap.Aggregate.OverallCoverage)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body struct {
		SourceID  string                  `json:"source_id"`
		Count     int                     `json:"count"`
		Documents []ingest.MetricDocument `json:"documents"`
	}
	getJSON(t, srv.URL+"/api/v1/history?source_id=crawler-1", http.StatusOK, &body)
	if body.Count != 3 || len(body.Documents) != 3 {
		t.Fatalf("history count = %d/%d, want 3", body.Count, len(body.Documents))
	}

	getJSON(t, srv.URL+"/api/v1/history?source_id=crawler-1&limit=2", http.StatusOK, &body)
	if body.Count != 2 {
		t.Fatalf("limited history count = %d, want 2", body.Count)
	}

	getJSON(t, srv.URL+"/api/v1/history", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/v1/history?source_id=ghost", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/v1/history?source_id=crawler-1&since=yesterday", http.StatusBadRequest, nil)
}

func TestAlertsEndpoint(t *testing.T) {
	srv, led, _ := newTestServer(t)
	led.Append(context.Background(), alert.Alert{
		ID: "a1", Level: alert.LevelWarning, Rule: "low_coverage", TriggeredAt: time.Now(),
	})
	led.Append(context.Background(), alert.Alert{
		ID: "a2", Level: alert.LevelCritical, Rule: "coverage_collapse", TriggeredAt: time.Now(),
	})

	var body struct {
		Count  int           `json:"count"`
		Alerts []alert.Alert `json:"alerts"`
	}
	getJSON(t, srv.URL+"/api/v1/alerts", http.StatusOK, &body)
	if body.Count != 2 {
		t.Fatalf("alert count = %d, want 2", body.Count)
	}
	getJSON(t, srv.URL+"/api/v1/alerts?level=critical", http.StatusOK, &body)
	if body.Count != 1 || body.Alerts[0].ID != "a2" {
		t.Fatalf("filtered alerts = %+v, want just a2", body.Alerts)
	}
	getJSON(t, srv.URL+"/api/v1/alerts?from=notatime", http.StatusBadRequest, nil)
}

func TestAcknowledgeEndpoint(t *testing.T) {
	srv, _, acks := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/alerts/a1/ack", "application/json",
		strings.NewReader(`{"mute_for": "30m"}`))
	if err != nil {
		t.Fatalf("POST ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}
	if acks.lastID != "a1" || acks.lastMute != 30*time.Minute {
		t.Fatalf("acknowledged %q/%s, want a1/30m", acks.lastID, acks.lastMute)
	}

	resp, err = http.Post(srv.URL+"/api/v1/alerts/missing/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("POST ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown alert ack status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/v1/alerts/a1/ack", "application/json",
		strings.NewReader(`{"mute_for": "sideways"}`))
	if err != nil {
		t.Fatalf("POST ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad duration ack status = %d, want 400", resp.StatusCode)
	}
}

func TestGatesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var report gate.Report
	getJSON(t, srv.URL+"/api/v1/gates", http.StatusOK, &report)
	if !report.Passed || len(report.Gates) != 1 {
		t.Fatalf("gate report = %+v, want passing coverage gate", report)
	}
}

func TestSourcesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body struct {
		Count   int               `json:"count"`
		Sources []registry.Source `json:"sources"`
	}
	getJSON(t, srv.URL+"/api/v1/sources", http.StatusOK, &body)
	if body.Count != 1 || body.Sources[0].ID != "crawler-1" {
		t.Fatalf("sources = %+v, want crawler-1", body)
	}
}
