// Command engine starts the PulseGrid progress-aggregation and escalation
// engine.
//
// It accepts metric documents over HTTP (and optionally Kafka), tracks
// source liveness, aggregates progress/coverage/quality into a unified
// snapshot, runs escalation rules with debounce and hysteresis, dispatches
// alerts across the configured channels, and serves the read-side API for
// snapshots, history, alerts, quality gates, and sources.
//
// Usage:
//
//	go run ./cmd/engine [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/aggregate"
	"github.com/pulsegrid/pulsegrid/internal/escalate"
	"github.com/pulsegrid/pulsegrid/internal/gate"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/notify"
	"github.com/pulsegrid/pulsegrid/internal/query"
	"github.com/pulsegrid/pulsegrid/internal/registry"
	"github.com/pulsegrid/pulsegrid/internal/store"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	"github.com/pulsegrid/pulsegrid/pkg/health"
	"github.com/pulsegrid/pulsegrid/pkg/logger"
	"github.com/pulsegrid/pulsegrid/pkg/metrics"
	"github.com/pulsegrid/pulsegrid/pkg/middleware"
	"github.com/pulsegrid/pulsegrid/pkg/postgres"
	"github.com/pulsegrid/pulsegrid/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting pulsegrid engine", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()

	// Persistence: the Postgres ledger doubles as the document appender and
	// the snapshot archive. Without Postgres everything stays in memory.
	var (
		led       ledger.Ledger
		pgLedger  *ledger.Postgres
		storeOpts []store.Option
		sinks     []escalate.SnapshotSink
	)
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		pgLedger = ledger.NewPostgres(pg)
		led = pgLedger
		storeOpts = append(storeOpts, store.WithAppender(pgLedger))
		sinks = append(sinks, snapshotArchiver{pgLedger})
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := pg.DB.PingContext(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: "connected"}
		})
	} else {
		led = ledger.NewMemory()
	}

	// Registry and store, linked through the accept callback.
	reg := registry.New(cfg.Registry)
	storeOpts = append(storeOpts, store.WithAcceptFunc(reg.Touch))
	st := store.New(storeOpts...)
	maxAge := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
	st.StartRetention(ctx, cfg.Store.PruneInterval, maxAge)
	go purgeLedger(ctx, led, cfg.Store.PruneInterval, maxAge)
	reg.StartSweep(ctx, cfg.Registry.SweepInterval)

	agg := aggregate.New(st, reg, cfg.Gates.TrendWindow)

	// Redis snapshot artifact and query cache.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := rdb.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: "connected"}
		})
	}
	cache := query.NewSnapshotCache(rdb, cfg.Redis.SnapshotTTL)
	sinks = append(sinks, cache)

	// Notification channels and dispatcher.
	channels, err := notify.BuildChannels(cfg.Notify.Channels, cfg.Kafka)
	if err != nil {
		slog.Error("failed to build notification channels", "error", err)
		os.Exit(1)
	}
	dispatcher, err := notify.New(cfg.Notify, cfg.Escalation.Delivery, channels, m)
	if err != nil {
		slog.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}
	slog.Info("notification channels configured", "channels", dispatcher.Channels())

	// Escalation engine.
	engine := escalate.NewEngine(cfg, st, reg, agg, led, dispatcher, m, sinks...)
	go engine.Run(ctx)

	// Kafka ingestion path.
	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(cfg.Kafka, st, m)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("kafka consumer error", "error", err)
			}
		}()
		checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusUp, Message: "consumer active"}
		})
	}

	// HTTP API.
	gates := gate.New(cfg.Gates)
	ingestHandler := ingest.NewHandler(st, m)
	queryHandler := query.NewHandler(agg, cache, st, reg, led, gates, engine)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/metrics", ingestHandler.Submit)
	mux.HandleFunc("GET /api/v1/snapshot", queryHandler.Snapshot)
	mux.HandleFunc("GET /api/v1/history", queryHandler.History)
	mux.HandleFunc("GET /api/v1/alerts", queryHandler.Alerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", queryHandler.Acknowledge)
	mux.HandleFunc("GET /api/v1/gates", queryHandler.Gates)
	mux.HandleFunc("GET /api/v1/sources", queryHandler.Sources)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("pulsegrid engine listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("pulsegrid engine stopped")
}

// purgeLedger applies the document retention policy to the alert ledger
// and snapshot archive on the same cadence as store pruning.
func purgeLedger(ctx context.Context, led ledger.Ledger, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := led.Purge(ctx, time.Now().Add(-maxAge))
			if err != nil {
				slog.Error("ledger purge failed", "error", err)
			} else if n > 0 {
				slog.Info("ledger purged", "removed", n, "max_age", maxAge)
			}
		case <-ctx.Done():
			return
		}
	}
}

// snapshotArchiver adapts the Postgres ledger's snapshot table to the
// engine's sink interface.
type snapshotArchiver struct {
	pg *ledger.Postgres
}

func (s snapshotArchiver) PublishSnapshot(ctx context.Context, snap aggregate.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return s.pg.SaveSnapshot(ctx, data, snap.Timestamp)
}
