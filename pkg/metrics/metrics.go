// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	DocumentsTotal       *prometheus.CounterVec
	DocumentsRejected    *prometheus.CounterVec
	ActiveSources        prometheus.Gauge
	SnapshotHealth       prometheus.Gauge
	AlertsFiredTotal     *prometheus.CounterVec
	AlertsResolvedTotal  *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	DeliveryDuration     *prometheus.HistogramVec
	EvaluationDuration   prometheus.Histogram
	SweepOfflineSources  prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metric_documents_total",
				Help: "Total metric documents accepted, by source.",
			},
			[]string{"source"},
		),
		DocumentsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metric_documents_rejected_total",
				Help: "Total metric documents rejected, by reason (validation, stale, storage).",
			},
			[]string{"reason"},
		),
		ActiveSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_sources",
				Help: "Number of sources seen within twice their expected interval.",
			},
		),
		SnapshotHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "snapshot_health_status",
				Help: "Aggregate health (0=operational, 1=unknown, 2=warning, 3=critical).",
			},
		),
		AlertsFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_fired_total",
				Help: "Total alerts created, by level.",
			},
			[]string{"level"},
		),
		AlertsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_resolved_total",
				Help: "Total alerts resolved, by level.",
			},
			[]string{"level"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_deliveries_total",
				Help: "Total delivery attempts by channel and outcome (delivered, failed, suppressed).",
			},
			[]string{"channel", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alert_delivery_duration_seconds",
				Help:    "Alert delivery latency per channel in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
		EvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evaluation_cycle_duration_seconds",
				Help:    "Duration of one evaluate-and-dispatch cycle.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		SweepOfflineSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline_sources",
				Help: "Number of sources currently considered offline.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocumentsTotal,
		m.DocumentsRejected,
		m.ActiveSources,
		m.SnapshotHealth,
		m.AlertsFiredTotal,
		m.AlertsResolvedTotal,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.EvaluationDuration,
		m.SweepOfflineSources,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
