package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/internal/telemetry"
	"github.com/BaSui01/execflow/persistence"
	"github.com/BaSui01/execflow/publish"
)

// shutdownTimeout bounds metric export and telemetry flushing once a
// command has finished, independent of the command's own deadline.
const shutdownTimeout = 5 * time.Second

// app wires the record store, publisher and observability for one command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     persistence.Store
	publisher *publish.Publisher
	providers *telemetry.Providers
	registry  *prometheus.Registry
}

// newApp builds the command dependencies from cfg. Metrics are registered
// with reg when enabled and exported from it by finish.
func newApp(cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*app, error) {
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = nil
	}

	store, err := persistence.NewStore(cfg, logger)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, err
	}

	opts := []publish.Option{
		publish.WithLogger(logger),
		publish.WithTracer(providers.Tracer()),
		publish.WithStrictTransitions(cfg.Publish.StrictTransitions),
	}
	if !cfg.Metrics.Enabled {
		reg = nil
	}
	if reg != nil {
		opts = append(opts, publish.WithMetrics(metrics.NewCollectorWithRegistry(cfg.Metrics.Namespace, reg, logger)))
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publish.NewPublisher(store, opts...),
		providers: providers,
		registry:  reg,
	}, nil
}

// exportMetrics writes the command's metrics to the configured text file
// and pushes them to the configured Pushgateway.
func (a *app) exportMetrics(ctx context.Context) error {
	if a.registry == nil {
		return nil
	}
	var errs []error
	if path := a.cfg.Metrics.File; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics file: %w", err))
		}
	}
	if url := a.cfg.Metrics.PushGateway; url != "" {
		err := push.New(url, a.cfg.Metrics.PushJob).Gatherer(a.registry).PushContext(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.store.Close(), a.providers.Shutdown(ctx))
}

// finish exports metrics and closes the app under a fresh deadline, so an
// expired command context cannot cut the flush short. Failures are logged;
// the command's own result stands.
func (a *app) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.exportMetrics(ctx); err != nil {
		a.logger.Warn("failed to export metrics", zap.Error(err))
	}
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("failed to close app", zap.Error(err))
	}
}
