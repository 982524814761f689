package telemetry

import (
	"context"
	"errors"
	"net/http"
)

// Telemetry bundles logging, tracing, metrics and lifecycle events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

// NewTelemetry creates a new telemetry instance from configuration. The
// logger is the process-wide one; see InitGlobal.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := InitGlobal(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// StartMetricsServer starts the metrics HTTP endpoint if metrics are enabled.
func (t *Telemetry) StartMetricsServer() {
	t.metricsServer = t.Metrics.StartMetricsServer(t.Logger)
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
