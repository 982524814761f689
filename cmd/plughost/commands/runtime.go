package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/openfroyo/pluginhost/pkg/config"
	"github.com/openfroyo/pluginhost/pkg/plugins/host"
	"github.com/openfroyo/pluginhost/pkg/policy"
	"github.com/openfroyo/pluginhost/pkg/stores"
	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// runtime wires the plugin registry to its sandbox, policies, audit store
// and telemetry for one command invocation.
type runtime struct {
	parser    *config.Parser
	file      *config.File
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
	engine    *policy.Engine
	store     *stores.SQLiteStore
	sandbox   *host.ExtismSandbox
	registry  *host.Registry
}

type runtimeOptions struct {
	// metricsAddr enables the metrics endpoint when set.
	metricsAddr string
}

func telemetryConfig(opts runtimeOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Metrics.Enabled = opts.metricsAddr != ""
	if cfg.Metrics.Enabled {
		cfg.Metrics.ListenAddress = opts.metricsAddr
	}
	return cfg
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("plughost"),
	}

	if err := rt.setup(ctx); err != nil {
		if closeErr := rt.close(); closeErr != nil {
			rt.logger.WithError(closeErr).Warn("failed to release runtime")
		}
		return nil, err
	}

	return rt, nil
}

func (rt *runtime) setup(ctx context.Context) error {
	parser, err := config.NewParser()
	if err != nil {
		return err
	}
	rt.parser = parser

	file, err := parser.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load plugins file: %w", err)
	}
	rt.file = file

	engine, err := newPolicyEngine(ctx, rt.telemetry.Logger)
	if err != nil {
		return err
	}
	rt.engine = engine

	opts := []host.Option{
		host.WithLogger(rt.telemetry.Logger),
		host.WithMetrics(rt.telemetry.Metrics),
		host.WithTracer(rt.telemetry.Tracer),
		host.WithEvents(rt.telemetry.Events),
		host.WithCommandPolicy(engine),
	}

	if auditDB != "" {
		store, err := stores.Open(ctx, auditDB)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		rt.store = store
		rt.telemetry.Events.Subscribe(store.EventSubscriber(rt.logger), nil)
		opts = append(opts, host.WithAuditSink(store))
	}

	rt.sandbox = host.NewExtismSandbox()
	rt.registry = host.NewRegistry(rt.sandbox, opts...)

	return nil
}

func newPolicyEngine(ctx context.Context, logger *telemetry.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	if len(policyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	for _, name := range enablePolicies {
		if err := engine.EnablePolicy(name); err != nil {
			return nil, err
		}
	}

	return engine, nil
}

// plugin returns the declaration of the named plugin.
func (rt *runtime) plugin(name string) (config.Plugin, error) {
	p, ok := rt.file.Plugin(name)
	if !ok {
		return config.Plugin{}, fmt.Errorf("plugin %q is not declared in %s", name, configPath)
	}
	return p, nil
}

// initialize makes the named plugin live and returns its items.
func (rt *runtime) initialize(ctx context.Context, p config.Plugin) ([]host.Item, error) {
	return rt.registry.Initialize(ctx, p.Name, rt.file.Settings(p), rt.file.DataDir(p.Name))
}

// initializeAll makes every declared plugin live. A plugin that fails to
// initialise is logged and skipped.
func (rt *runtime) initializeAll(ctx context.Context) int {
	live := 0
	for _, p := range rt.file.Plugins {
		items, err := rt.initialize(ctx, p)
		if err != nil {
			rt.logger.WithPlugin(p.Name).WithError(err).Error("failed to initialize plugin")
			continue
		}
		live++
		rt.logger.WithPlugin(p.Name).WithField("items", len(items)).Info("plugin initialized")
	}
	return live
}

// reconcile moves the registry from the current plugins file to next.
// Plugins that were removed or whose declaration changed are unloaded; new
// and changed plugins are initialised.
func (rt *runtime) reconcile(ctx context.Context, next *config.File) {
	prev := rt.file
	rt.file = next

	for _, old := range prev.Plugins {
		cur, ok := next.Plugin(old.Name)
		if ok && prev.DataDir(old.Name) == next.DataDir(old.Name) && reflect.DeepEqual(old, cur) {
			continue
		}
		err := rt.registry.Unload(ctx, old.Name, old.Pairs())
		if err != nil && !host.IsNotFound(err) {
			rt.logger.WithPlugin(old.Name).WithError(err).Warn("failed to unload plugin")
			continue
		}
		rt.logger.WithPlugin(old.Name).Info("plugin unloaded")
	}

	for _, p := range next.Plugins {
		if rt.registry.Live(p.Name, p.Pairs()) {
			continue
		}
		items, err := rt.initialize(ctx, p)
		if err != nil {
			rt.logger.WithPlugin(p.Name).WithError(err).Error("failed to initialize plugin")
			continue
		}
		rt.logger.WithPlugin(p.Name).WithField("items", len(items)).Info("plugin initialized")
	}
}

// close releases plugins, the sandbox, telemetry and the audit store, in
// that order, so buffered events reach the store before it closes.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if rt.registry != nil {
		errs = append(errs, rt.registry.Close(ctx))
	}
	if rt.sandbox != nil {
		errs = append(errs, rt.sandbox.Close(ctx))
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}

// withRuntime runs fn against a fresh runtime and releases it afterwards.
func withRuntime(ctx context.Context, opts runtimeOptions, fn func(*runtime) error) (err error) {
	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.close())
	}()

	return fn(rt)
}
