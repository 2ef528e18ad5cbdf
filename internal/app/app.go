// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/arcadia-telemetry/internal/config"
	"github.com/skobkin/arcadia-telemetry/internal/distributor"
	"github.com/skobkin/arcadia-telemetry/internal/hostinfo"
	"github.com/skobkin/arcadia-telemetry/internal/httpserver"
	"github.com/skobkin/arcadia-telemetry/internal/settings"
	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Telemetry bundles the sampling pipeline built from configuration.
type Telemetry struct {
	Sampler     *telemetry.Sampler
	Distributor *distributor.Distributor
}

// NewTelemetry builds the host provider, sampler and distributor.
func NewTelemetry(cfg config.Config, baseLogger *slog.Logger) (Telemetry, error) {
	provider := hostinfo.NewProvider(cfg.SysfsRoot, cfg.ProcRoot, baseLogger.With("component", "hostinfo"))

	sampler, err := telemetry.NewSampler(provider, telemetry.Options{
		FullRefreshInterval: cfg.Telemetry.FullRefreshInterval,
		GPURefreshEvery:     cfg.Telemetry.GPURefreshEvery,
		QueryTimeout:        cfg.Telemetry.QueryTimeout,
	}, baseLogger)
	if err != nil {
		return Telemetry{}, fmt.Errorf("init sampler: %w", err)
	}

	dist, err := distributor.New(sampler, distributor.Options{
		TickInterval: cfg.Telemetry.TickInterval,
		SkipWhenIdle: cfg.Telemetry.SkipIdleTicks,
	}, baseLogger)
	if err != nil {
		return Telemetry{}, fmt.Errorf("init distributor: %w", err)
	}

	return Telemetry{Sampler: sampler, Distributor: dist}, nil
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	pipeline, err := NewTelemetry(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer pipeline.Distributor.Close()

	store, err := settings.NewStore(cfg.SettingsPath, baseLogger)
	if err != nil {
		return fmt.Errorf("init settings store: %w", err)
	}
	current := store.Load()
	appLogger.Info("settings loaded", "path", store.Path(), "system_metrics_enabled", current.SystemMetricsEnabled)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	distErrCh := make(chan error, 1)
	go func() {
		distErrCh <- pipeline.Distributor.Run(workerCtx)
	}()

	watchErrCh := make(chan error, 1)
	go func() {
		watchErrCh <- store.Watch(workerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger, pipeline.Distributor, pipeline.Sampler, store)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stopWorkers := func() error {
		workerCancel()
		var errs []error
		if distErrCh != nil {
			if err := <-distErrCh; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("distributor: %w", err))
			}
		}
		if watchErrCh != nil {
			if err := <-watchErrCh; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("settings watcher: %w", err))
			}
		}
		return errors.Join(errs...)
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				workerCancel()
				return err
			}
			return stopWorkers()
		case err := <-distErrCh:
			distErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case err := <-watchErrCh:
			watchErrCh = nil
			// Settings still load and save without the watcher.
			if err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Warn("settings watcher stopped", "err", err)
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := stopWorkers(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
