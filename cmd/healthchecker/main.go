// Command healthchecker runs one replica of the supervision cluster: worker
// heartbeat collection, Bully leader election, and container revival.
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

	"github.com/fairyhunter13/brewflow/internal/config"
	"github.com/fairyhunter13/brewflow/internal/healthcheck"
	"github.com/fairyhunter13/brewflow/internal/observability"
)

func main() {
	cfg, err := config.LoadHealthChecker()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLoggerLevel(cfg.OTELServiceName, cfg.LoggingLevel)
	slog.SetDefault(logger.With(slog.Int("hc_id", cfg.ReplicaID)))

	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker, err := healthcheck.New(cfg)
	if err != nil {
		slog.Error("health-checker setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("health-checker starting",
		slog.Int("replicas", cfg.Replicas),
		slog.Int("worker_port", cfg.WorkerPort),
		slog.Int("peer_port", cfg.PeerPort))
	if err := checker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("health-checker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("health-checker stopped cleanly")
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
