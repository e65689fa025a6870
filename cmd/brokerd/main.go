// Command brokerd runs the inter-client communication broker as a
// standalone process: the tool façade is served in-process (wired for an
// embedding transport) while a gRPC health surface reports liveness and
// readiness for the store, protocol registry, session manager, and router.
//
// Usage:
//
//	go run ./cmd/brokerd                      # defaults, :50051
//	go run ./cmd/brokerd -config broker.yaml -addr :8080
//	go build -o brokerd ./cmd/brokerd && ./brokerd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/broker"
	"github.com/jeeves-cluster-organization/broker/internal/config"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaying defaults")
	addr := flag.String("addr", "", "gRPC health listener address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP gRPC collector endpoint (tracing disabled if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("broker: load config: %v", err)
	}
	if *addr != "" {
		cfg.GRPC.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logging.SetLevelFromString(cfg.Logging.Level)

	logger := logging.NewSlog(logging.Op())
	logger.Info("broker_starting", "grpc_addr", cfg.GRPC.Addr, "store_backend", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *otelEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "broker", *otelEndpoint)
		if err != nil {
			logger.Warn("tracer_init_failed", "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracer(shutdownCtx)
			}()
		}
	}

	b := broker.New(cfg, logger)
	b.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Health.Serve(cfg.GRPC.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("broker listening on %s (health surface)\n", cfg.GRPC.Addr)
	fmt.Println("press ctrl+c to stop")

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("health_server_exited", "error", err.Error())
		}
	}

	b.Health.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("broker_shutdown_error", "error", err.Error())
	}
	logger.Info("broker_stopped")
}
