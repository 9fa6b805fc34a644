// Command worker runs one stage replica. The stage's semantics come from
// MODULE_NAME; everything else is the shared runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/brewflow/internal/adapter/broker/amqp"
	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/healthcheck"
	"github.com/fairyhunter13/brewflow/internal/observability"
	"github.com/fairyhunter13/brewflow/internal/worker"
	"github.com/fairyhunter13/brewflow/internal/worker/operators"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.OTELServiceName, cfg.AppEnv)
	slog.SetDefault(logger.With(
		slog.String("stage", cfg.StageName),
		slog.Int("replica", cfg.ReplicaID)))

	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.SetupTracing(cfg.OTLPEndpoint, cfg.OTELServiceName, cfg.AppEnv)
		if err != nil {
			slog.Error("failed to setup tracing", slog.Any("error", err))
		} else {
			defer func() { _ = shutdownTracer(context.Background()) }()
		}
	}

	op, err := operators.New(cfg.ModuleName)
	if err != nil {
		slog.Error("unknown module", slog.String("module", cfg.ModuleName), slog.Any("error", err))
		os.Exit(1)
	}

	broker, err := amqp.Dial(cfg.AMQPURL, cfg.Prefetch)
	if err != nil {
		slog.Error("broker dial failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer broker.Close()

	w, err := worker.New(cfg, op, broker)
	if err != nil {
		slog.Error("worker setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if len(cfg.HeartbeatAddrs) > 0 {
		name := cfg.ContainerName
		if name == "" {
			name = cfg.WorkerID()
		}
		beacon := healthcheck.NewBeacon(name, cfg.HeartbeatAddrs, cfg.HeartbeatInterval)
		go beacon.Run(ctx)
	}

	slog.Info("worker starting", slog.String("module", cfg.ModuleName), slog.String("from", cfg.From))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped cleanly")
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", slog.Any("error", err))
	}
}
