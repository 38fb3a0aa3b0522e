// Command engine runs the meta-driven data-flow pipeline: HTTP
// ingress, the five-channel task runtime, and the background
// scavenger, wired together the way the teacher's orchestrator boots
// its HTTP surface plus telemetry plus signal-based shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/metaflow/engine/internal/builtin"
	"github.com/metaflow/engine/internal/callbackstore"
	"github.com/metaflow/engine/internal/config"
	"github.com/metaflow/engine/internal/convert"
	"github.com/metaflow/engine/internal/eventbus"
	"github.com/metaflow/engine/internal/httpapi"
	"github.com/metaflow/engine/internal/logging"
	"github.com/metaflow/engine/internal/metacache"
	"github.com/metaflow/engine/internal/pipeline"
	"github.com/metaflow/engine/internal/store"
	"github.com/metaflow/engine/internal/telemetry"
)

func main() {
	const service = "metaflow-engine"
	logging.Init(service)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	defer telemetry.Flush(context.Background(), shutdownTrace)
	shutdownMetrics, metricsHandler, metrics := telemetry.InitMetrics(service)
	defer shutdownMetrics(context.Background())

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connect failed", "error", err)
		os.Exit(2)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		slog.Error("schema migration failed", "error", err)
		return
	}

	instances := store.NewInstanceStore(db, cfg.QuerySizeLimit)
	tasks := store.NewTaskStore(db)
	metaStore := store.NewMetaStore(db)
	relStore := store.NewRelationStore(db)
	cache := metacache.New(metaStore, relStore, cfg.CacheTTL)

	callbacks, err := callbackstore.Open(cfg.CallbackDBPath)
	if err != nil {
		slog.Error("callback store open failed", "error", err)
		return
	}
	defer callbacks.Close()

	bus := eventbus.Connect(cfg.NatsURL)
	defer bus.Close()

	dispatcher := convert.NewDispatcher(builtin.NewRegistry(), convert.NewHTTPConverter(), cfg.ConvertTimeout)

	eng := pipeline.New(instances, tasks, cache, dispatcher, callbacks, bus, metrics, cfg.TaskChannelCap)
	if err := eng.Start(ctx, pipeline.DefaultWorkers(), cfg.ScavengeCron); err != nil {
		slog.Error("pipeline start failed", "error", err)
		return
	}

	api := httpapi.New(eng, instances, metaStore, relStore, cache)
	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Mux()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsServer := &http.Server{Addr: cfg.PrometheusAddr, Handler: metricsMux}

	go func() {
		slog.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http api server failed", "error", err)
		}
	}()
	go func() {
		slog.Info("metrics listening", "addr", cfg.PrometheusAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("pipeline shutdown did not drain cleanly", "error", err)
	}
}
