package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
)

// Factory opens a new engine.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// Registry maps engine names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	if name == "" || f == nil {
		panic("driver: Register with empty name or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open starts the engine named by opts.Engine.
func (r *Registry) Open(ctx context.Context, opts Options) (Engine, error) {
	opts = opts.WithDefaults()
	r.mu.RLock()
	f, ok := r.factories[opts.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("driver: unknown engine %q (registered: %v)", opts.Engine, r.Names()))
	}

	eng, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Engine, err)
	}
	obs.From(ctx).With("pkg", "driver").Info("engine_opened",
		"engine", opts.Engine,
		"browser", opts.Browser,
		"headless", opts.Headless,
		"remote", opts.RemoteURL != "",
	)
	return eng, nil
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry. Adapters call it from init.
func Register(name string, f Factory) { defaultRegistry.Register(name, f) }

// Open opens an engine from the default registry.
func Open(ctx context.Context, opts Options) (Engine, error) {
	return defaultRegistry.Open(ctx, opts)
}

// Names lists the engines in the default registry.
func Names() []string { return defaultRegistry.Names() }
