// Package telemetry provides observability for the plugin host.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process lifecycle event publisher.
//
// # Logging
//
// The process has one logger. InitGlobal configures it exactly once; every
// later call, including the implicit one made by Global, returns the same
// instance. Components derive child loggers from it:
//
//	logger := telemetry.Global().NewComponentLogger("registry")
//	logger.WithPlugin("apps").Info("Plugin initialized")
//
// # Metrics
//
// Metrics live in a private prometheus registry exposed through
// Metrics.Handler. A disabled MetricsConfig yields a collector whose
// recording methods do nothing, and all recording methods accept a nil
// receiver.
//
// # Tracing
//
// NewTracer wires an stdout or OTLP/gRPC exporter. With tracing disabled the
// tracer is a no-op.
//
// # Events
//
// EventPublisher delivers plugin.initialized, plugin.init_failed,
// plugin.unloaded and cli.executed events to subscribers, optionally on a
// background goroutine.
package telemetry
