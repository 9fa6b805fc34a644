// Command gateway bridges the TCP client protocol and the broker: raw
// streams in, query documents out.
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
	"github.com/fairyhunter13/brewflow/internal/gateway"
	"github.com/fairyhunter13/brewflow/internal/healthcheck"
	"github.com/fairyhunter13/brewflow/internal/observability"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.OTELServiceName, cfg.AppEnv)
	slog.SetDefault(logger)

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

	broker, err := amqp.Dial(cfg.AMQPURL, 1)
	if err != nil {
		slog.Error("broker dial failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer broker.Close()

	srv, err := gateway.New(cfg, broker)
	if err != nil {
		slog.Error("gateway setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if len(cfg.HeartbeatAddrs) > 0 {
		beacon := healthcheck.NewBeacon(cfg.ContainerName, cfg.HeartbeatAddrs, cfg.HeartbeatInterval)
		go beacon.Run(ctx)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("gateway stopped cleanly")
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
