package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

// Initialization results reported to metrics.
const (
	initResultCreated = "created"
	initResultCached  = "cached"
	initResultFailed  = "failed"
)

// Registry owns the live plugin instances keyed by identity and the item
// cache of each. All operations are serialized by a single mutex.
type Registry struct {
	mu sync.Mutex

	sandbox   Sandbox
	instances map[Identity]*entry
	cache     map[Identity][]Item

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	runner CommandRunner
	policy CommandPolicy
	audit  AuditSink
}

type entry struct {
	instance Instance
	cli      CliConfig
	manifest Manifest
	created  time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(r *Registry) {
		r.events = events
	}
}

// WithCommandRunner overrides how cli_run starts external programs.
func WithCommandRunner(runner CommandRunner) Option {
	return func(r *Registry) {
		r.runner = runner
	}
}

// WithCommandPolicy sets the policy consulted before every cli_run execution.
func WithCommandPolicy(policy CommandPolicy) Option {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithAuditSink sets where cli_run invocations are recorded.
func WithAuditSink(audit AuditSink) Option {
	return func(r *Registry) {
		r.audit = audit
	}
}

// NewRegistry creates an empty registry that instantiates modules through sandbox.
func NewRegistry(sandbox Sandbox, opts ...Option) *Registry {
	r := &Registry{
		sandbox:   sandbox,
		instances: make(map[Identity]*entry),
		cache:     make(map[Identity][]Item),
		tracer:    telemetry.NoopTracer(),
		runner:    ExecRunner{},
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = telemetry.Global()
	}
	r.logger = r.logger.NewComponentLogger("registry")

	return r
}

// Initialize instantiates the plugin and returns the items its init entry
// point declares. An identity that is already live returns its cached items
// without running init again.
func (r *Registry) Initialize(ctx context.Context, name string, settings Settings, dataDir string) ([]Item, error) {
	id := ResolveIdentity(name, settings.Config)

	ctx, span := r.tracer.StartPluginSpan(ctx, name, "initialize")

	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.WithPlugin(name)

	if _, ok := r.instances[id]; ok {
		r.metrics.RecordInitialization(name, initResultCached)
		logger.Debug("plugin already live, returning cached items")
		telemetry.EndSpan(span, nil)
		return copyItems(r.cache[id]), nil
	}

	items, err := r.instantiate(ctx, id, settings, dataDir)
	if err != nil {
		r.metrics.RecordInitialization(name, initResultFailed)
		_ = r.events.PublishPluginInitFailed(name, err.Error())
		logger.WithError(err).Error("plugin initialization failed")
		telemetry.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(telemetry.AttrItemCount.Int(len(items)))
	r.metrics.RecordInitialization(name, initResultCreated)
	r.metrics.SetLivePlugins(len(r.instances))
	_ = r.events.PublishPluginInitialized(name, len(items))
	logger.WithField("items", len(items)).Info("plugin initialized")
	telemetry.EndSpan(span, nil)

	return copyItems(items), nil
}

// instantiate creates and registers a new instance. Callers hold r.mu.
func (r *Registry) instantiate(ctx context.Context, id Identity, settings Settings, dataDir string) ([]Item, error) {
	const op = "initialize"

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, newError(KindInstantiationFailed, op, id.Name, "failed to create data directory", err)
	}

	manifest := BuildManifest(settings, id.Name, dataDir)

	cli := CliConfig{
		Enabled:    settings.CLI,
		PluginName: id.Name,
		DataDir:    dataDir,
	}
	bridge := NewCommandBridge(cli, BridgeDeps{
		Runner:  r.runner,
		Policy:  r.policy,
		Audit:   r.audit,
		Logger:  r.logger,
		Metrics: r.metrics,
		Events:  r.events,
	})

	instance, err := r.sandbox.Instantiate(ctx, manifest, []HostFunction{bridge.HostFunction()})
	if err != nil {
		return nil, newError(KindInstantiationFailed, op, id.Name, "failed to instantiate module", err)
	}

	out, err := r.call(ctx, instance, id.Name, EntryInit, nil)
	if err != nil {
		r.closeInstance(ctx, instance, id.Name)
		return nil, newError(KindCallFailed, op, id.Name, "init failed", err)
	}

	items, err := parseItems(out)
	if err != nil {
		r.closeInstance(ctx, instance, id.Name)
		return nil, newError(KindMalformedItems, op, id.Name, "init returned malformed items", err)
	}

	r.instances[id] = &entry{
		instance: instance,
		cli:      cli,
		manifest: manifest,
		created:  time.Now(),
	}
	if items != nil {
		r.cache[id] = items
	}

	return items, nil
}

// Query returns the items matching text. A non-empty list from the module's
// filter entry point is returned as is; otherwise text is matched against
// the cached items by name and description, ignoring case.
func (r *Registry) Query(ctx context.Context, name string, config []ConfigPair, text string) ([]Item, error) {
	const op = "query"
	id := ResolveIdentity(name, config)

	ctx, span := r.tracer.StartPluginSpan(ctx, name, op)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		err := newError(KindPluginNotFound, op, name, "plugin is not initialized", nil)
		telemetry.EndSpan(span, err)
		return nil, err
	}

	if e.instance.Exports(EntryFilter) {
		out, err := r.call(ctx, e.instance, name, EntryFilter, []byte(text))
		if err != nil {
			err = newError(KindCallFailed, op, name, "filter failed", err)
			telemetry.EndSpan(span, err)
			return nil, err
		}

		items, perr := parseItems(out)
		if perr != nil {
			r.logger.WithPlugin(name).WithError(perr).Debug("filter returned malformed items, using cache")
		}
		if perr == nil && len(items) > 0 {
			span.SetAttributes(telemetry.AttrItemCount.Int(len(items)), telemetry.AttrFallback.Bool(false))
			telemetry.EndSpan(span, nil)
			return items, nil
		}
	}

	r.metrics.RecordFilterFallback(name)
	items := matchItems(r.cache[id], text)
	span.SetAttributes(telemetry.AttrItemCount.Int(len(items)), telemetry.AttrFallback.Bool(true))
	telemetry.EndSpan(span, nil)

	return items, nil
}

// Select notifies the plugin that element was chosen. A plugin without an
// on_select entry point ignores the notification.
func (r *Registry) Select(ctx context.Context, name string, config []ConfigPair, element string) error {
	const op = "select"
	id := ResolveIdentity(name, config)

	ctx, span := r.tracer.StartPluginSpan(ctx, name, op)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		err := newError(KindPluginNotFound, op, name, "plugin is not initialized", nil)
		telemetry.EndSpan(span, err)
		return err
	}

	if !e.instance.Exports(EntryOnSelect) {
		telemetry.EndSpan(span, nil)
		return nil
	}

	if _, err := r.call(ctx, e.instance, name, EntryOnSelect, []byte(element)); err != nil {
		err = newError(KindCallFailed, op, name, "on_select failed", err)
		telemetry.EndSpan(span, err)
		return err
	}

	telemetry.EndSpan(span, nil)
	return nil
}

// Unload closes the plugin instance and drops its cached items.
func (r *Registry) Unload(ctx context.Context, name string, config []ConfigPair) error {
	const op = "unload"
	id := ResolveIdentity(name, config)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return newError(KindPluginNotFound, op, name, "plugin is not initialized", nil)
	}

	delete(r.instances, id)
	delete(r.cache, id)
	r.metrics.SetLivePlugins(len(r.instances))

	err := e.instance.Close(ctx)
	_ = r.events.PublishPluginUnloaded(name)
	r.logger.WithPlugin(name).Info("plugin unloaded")

	if err != nil {
		return fmt.Errorf("failed to close plugin %s: %w", name, err)
	}
	return nil
}

// Live reports whether the identity has a live instance.
func (r *Registry) Live(name string, config []ConfigPair) bool {
	id := ResolveIdentity(name, config)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.instances[id]
	return ok
}

// Cached returns the cached items of an identity and whether a cache entry exists.
func (r *Registry) Cached(name string, config []ConfigPair) ([]Item, bool) {
	id := ResolveIdentity(name, config)

	r.mu.Lock()
	defer r.mu.Unlock()

	items, ok := r.cache[id]
	if !ok {
		return nil, false
	}
	return copyItems(items), true
}

// Manifest returns the manifest a live identity was instantiated with.
func (r *Registry) Manifest(name string, config []ConfigPair) (Manifest, bool) {
	id := ResolveIdentity(name, config)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return Manifest{}, false
	}
	return e.manifest, true
}

// Identities returns the live identities ordered by rendered form.
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]Identity, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids
}

// Close tears down every instance. The registry is empty afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, e := range r.instances {
		if err := e.instance.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close plugin %s: %w", id.Name, err))
		}
		_ = r.events.PublishPluginUnloaded(id.Name)
	}

	r.instances = make(map[Identity]*entry)
	r.cache = make(map[Identity][]Item)
	r.metrics.SetLivePlugins(0)

	return errors.Join(errs...)
}

// call invokes an entry point and records its metrics.
func (r *Registry) call(ctx context.Context, instance Instance, plugin, fn string, input []byte) ([]byte, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.AttrEntryPoint.String(fn))

	start := time.Now()
	out, err := instance.Call(ctx, fn, input)

	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeError
	}
	r.metrics.RecordPluginCall(plugin, fn, outcome, time.Since(start))

	return out, err
}

func (r *Registry) closeInstance(ctx context.Context, instance Instance, plugin string) {
	if err := instance.Close(ctx); err != nil {
		r.logger.WithPlugin(plugin).WithError(err).Warn("failed to close instance")
	}
}
