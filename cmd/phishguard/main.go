package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/phishguard/internal/adapters/events"
	"github.com/mikey/phishguard/internal/aggregator"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/di"
	"github.com/mikey/phishguard/internal/metrics"
	"github.com/mikey/phishguard/internal/pipeline"
	"github.com/mikey/phishguard/internal/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	cfg *config.Config,
	logger *zap.Logger,
	store core.Store,
	agg *aggregator.Aggregator,
	svc *pipeline.Service,
	intakes []ports.Intake,
	publisher *events.AMQPPublisher,
) (err error) {
	defer logger.Sync()

	shutdownTimeout, err := cfg.GetShutdownTimeout()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resources are released in reverse order of startup
	defer func() {
		err = multierr.Append(err, store.Close())
		if publisher != nil {
			err = multierr.Append(err, publisher.Close())
		}
	}()

	if err := agg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("failed to start pipeline: %w", err), stopWithin(shutdownTimeout, agg.Stop))
	}

	started := make([]ports.Intake, 0, len(intakes))
	for _, in := range intakes {
		if err := in.Start(); err != nil {
			err = fmt.Errorf("failed to start intake: %w", err)
			return multierr.Append(err, shutdown(logger, shutdownTimeout, started, svc, agg, nil))
		}
		started = append(started, in)
	}

	metricsServer := startMetrics(cfg.GetMetricsConfig(), logger)

	logger.Info("PhishGuard started",
		zap.Int("intakes", len(started)),
		zap.Bool("events", publisher != nil),
		zap.String("store", cfg.GetStoreConfig().Type))

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	err = shutdown(logger, shutdownTimeout, started, svc, agg, metricsServer)
	if err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	} else {
		logger.Info("Shutdown complete")
	}
	return err
}

// shutdown stops intake first so no new work arrives, then drains the
// pipeline, then flushes statistics
func shutdown(
	logger *zap.Logger,
	timeout time.Duration,
	intakes []ports.Intake,
	svc *pipeline.Service,
	agg *aggregator.Aggregator,
	metricsServer *http.Server,
) error {
	var err error
	for _, in := range intakes {
		if stopErr := in.Stop(); stopErr != nil {
			logger.Error("Failed to stop intake", zap.Error(stopErr))
			err = multierr.Append(err, stopErr)
		}
	}

	if stopErr := stopWithin(timeout, svc.Stop); stopErr != nil {
		logger.Error("Failed to stop pipeline", zap.Error(stopErr))
		err = multierr.Append(err, stopErr)
	}

	if stopErr := stopWithin(timeout, agg.Stop); stopErr != nil {
		logger.Error("Failed to stop aggregator", zap.Error(stopErr))
		err = multierr.Append(err, stopErr)
	}

	if metricsServer != nil {
		if stopErr := stopWithin(timeout, metricsServer.Shutdown); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
	}
	return err
}

func stopWithin(timeout time.Duration, stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return stop(ctx)
}

// startMetrics serves the Prometheus registry when enabled
func startMetrics(cfg config.MetricsConfig, logger *zap.Logger) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Metrics endpoint started",
		zap.String("address", cfg.ListenAddress),
		zap.String("path", cfg.Path))
	return server
}
