package host

import (
	"context"
	"errors"
	"sync"
)

// fakeModule scripts the behaviour of one module.
type fakeModule struct {
	exports map[string]func(ctx context.Context, input []byte, fns map[string]HostFunction) ([]byte, error)
}

type fakeSandbox struct {
	mu sync.Mutex

	modules map[string]*fakeModule
	err     error

	instantiations int
	manifests      []Manifest
	instances      []*fakeInstance
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{modules: make(map[string]*fakeModule)}
}

// add registers a module served for wasm path.
func (s *fakeSandbox) add(path string, m *fakeModule) {
	s.modules[path] = m
}

func (s *fakeSandbox) Instantiate(ctx context.Context, manifest Manifest, functions []HostFunction) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instantiations++
	s.manifests = append(s.manifests, manifest)

	if s.err != nil {
		return nil, s.err
	}

	m, ok := s.modules[manifest.Wasm.Path]
	if !ok {
		return nil, errors.New("module not found")
	}

	fns := make(map[string]HostFunction, len(functions))
	for _, fn := range functions {
		fns[fn.Name] = fn
	}

	inst := &fakeInstance{module: m, functions: fns}
	s.instances = append(s.instances, inst)
	return inst, nil
}

type fakeInstance struct {
	module    *fakeModule
	functions map[string]HostFunction

	calls  []string
	closed bool
}

func (i *fakeInstance) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	i.calls = append(i.calls, fn)

	call, ok := i.module.exports[fn]
	if !ok {
		return nil, errors.New("function not exported: " + fn)
	}
	return call(ctx, input, i.functions)
}

func (i *fakeInstance) Exports(fn string) bool {
	_, ok := i.module.exports[fn]
	return ok
}

func (i *fakeInstance) Close(ctx context.Context) error {
	i.closed = true
	return nil
}

func (i *fakeInstance) callCount(fn string) int {
	n := 0
	for _, c := range i.calls {
		if c == fn {
			n++
		}
	}
	return n
}

// returns builds an export that always yields out.
func returns(out string) func(context.Context, []byte, map[string]HostFunction) ([]byte, error) {
	return func(context.Context, []byte, map[string]HostFunction) ([]byte, error) {
		return []byte(out), nil
	}
}

// fails builds an export that always fails.
func fails(err error) func(context.Context, []byte, map[string]HostFunction) ([]byte, error) {
	return func(context.Context, []byte, map[string]HostFunction) ([]byte, error) {
		return nil, err
	}
}

type runCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	result *CommandResult
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string) (*CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, runCall{name: name, args: args})
	if r.err != nil {
		return nil, r.err
	}
	if r.result == nil {
		return &CommandResult{}, nil
	}
	return r.result, nil
}

type fakePolicy struct {
	decision CommandDecision
	err      error
	requests []CommandRequest
}

func (p *fakePolicy) AllowCommand(ctx context.Context, req CommandRequest) (CommandDecision, error) {
	p.requests = append(p.requests, req)
	return p.decision, p.err
}

type fakeAudit struct {
	mu      sync.Mutex
	records []Invocation
}

func (a *fakeAudit) RecordInvocation(ctx context.Context, inv Invocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, inv)
	return nil
}
