package lifecycle

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

// Composite is the single registration point for listeners. It implements
// every listener interface itself and forwards each callback, in
// registration order, to the registered listeners that implement it.
//
// A panicking listener is recovered and recorded; the remaining listeners
// still receive the callback.
type Composite struct {
	mu        sync.RWMutex
	listeners []any

	errMu sync.Mutex
	errs  []error
}

var (
	_ ExecutionListener     = (*Composite)(nil)
	_ SuiteListener         = (*Composite)(nil)
	_ TestListener          = (*Composite)(nil)
	_ RetryListener         = (*Composite)(nil)
	_ ConfigurationListener = (*Composite)(nil)
	_ InvocationListener    = (*Composite)(nil)
)

// NewComposite returns a composite with ls registered.
func NewComposite(ls ...any) (*Composite, error) {
	c := &Composite{}
	for _, l := range ls {
		if err := c.Register(l); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds l. l must implement at least one listener interface.
// Registering the same listener twice is a no-op. Nested composites are
// allowed and receive callbacks like any other listener.
func (c *Composite) Register(l any) error {
	if l == nil {
		return errs.New(errs.InvalidArgument, "lifecycle: nil listener")
	}
	if v := reflect.ValueOf(l); v.Kind() == reflect.Pointer && v.IsNil() {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("lifecycle: nil %T listener", l))
	}
	if l == any(c) {
		return errs.New(errs.InvalidArgument, "lifecycle: composite cannot register itself")
	}
	if !implementsAny(l) {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("lifecycle: %T implements no listener interface", l))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.listeners {
		if sameListener(existing, l) {
			return nil
		}
	}
	c.listeners = append(c.listeners, l)
	return nil
}

// MustRegister is Register that panics on error. Intended for package-level wiring.
func (c *Composite) MustRegister(l any) {
	if err := c.Register(l); err != nil {
		panic(err)
	}
}

// Unregister removes l if present.
func (c *Composite) Unregister(l any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if sameListener(existing, l) {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the registered listeners in registration order.
func (c *Composite) Listeners() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// Len returns the number of registered listeners.
func (c *Composite) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Errors returns the listener panics recovered so far.
func (c *Composite) Errors() []error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

func sameListener(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// each calls fn for every listener of the snapshot taken at call time, so a
// listener may register further listeners from inside a callback.
func (c *Composite) each(ctx context.Context, method string, fn func(l any)) {
	for _, l := range c.Listeners() {
		c.call(ctx, method, l, fn)
	}
}

func (c *Composite) call(ctx context.Context, method string, l any, fn func(l any)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("listener %T panicked in %s: %v", l, method, r)
			obs.From(ctx).With("pkg", "lifecycle").Error("listener_panic",
				"listener", fmt.Sprintf("%T", l),
				"method", method,
				"panic", fmt.Sprint(r),
			)
			c.errMu.Lock()
			c.errs = append(c.errs, err)
			c.errMu.Unlock()
		}
	}()
	fn(l)
}

func (c *Composite) OnExecutionStart(ctx context.Context, run *result.RunInfo) {
	c.each(ctx, "OnExecutionStart", func(l any) {
		if x, ok := l.(ExecutionListener); ok {
			x.OnExecutionStart(ctx, run)
		}
	})
}

func (c *Composite) OnExecutionFinish(ctx context.Context, run *result.RunInfo) {
	c.each(ctx, "OnExecutionFinish", func(l any) {
		if x, ok := l.(ExecutionListener); ok {
			x.OnExecutionFinish(ctx, run)
		}
	})
}

func (c *Composite) OnSuiteStart(ctx context.Context, suite *result.SuiteInfo) {
	c.each(ctx, "OnSuiteStart", func(l any) {
		if x, ok := l.(SuiteListener); ok {
			x.OnSuiteStart(ctx, suite)
		}
	})
}

func (c *Composite) OnSuiteFinish(ctx context.Context, suite *result.SuiteInfo) {
	c.each(ctx, "OnSuiteFinish", func(l any) {
		if x, ok := l.(SuiteListener); ok {
			x.OnSuiteFinish(ctx, suite)
		}
	})
}

func (c *Composite) OnTestStart(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnTestStart", func(l any) {
		if x, ok := l.(TestListener); ok {
			x.OnTestStart(ctx, res)
		}
	})
}

func (c *Composite) OnTestSuccess(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnTestSuccess", func(l any) {
		if x, ok := l.(TestListener); ok {
			x.OnTestSuccess(ctx, res)
		}
	})
}

func (c *Composite) OnTestFailure(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnTestFailure", func(l any) {
		if x, ok := l.(TestListener); ok {
			x.OnTestFailure(ctx, res)
		}
	})
}

func (c *Composite) OnTestSkipped(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnTestSkipped", func(l any) {
		if x, ok := l.(TestListener); ok {
			x.OnTestSkipped(ctx, res)
		}
	})
}

func (c *Composite) OnTestRetry(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnTestRetry", func(l any) {
		if x, ok := l.(RetryListener); ok {
			x.OnTestRetry(ctx, res)
		}
	})
}

func (c *Composite) OnConfigurationSuccess(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnConfigurationSuccess", func(l any) {
		if x, ok := l.(ConfigurationListener); ok {
			x.OnConfigurationSuccess(ctx, res)
		}
	})
}

func (c *Composite) OnConfigurationFailure(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "OnConfigurationFailure", func(l any) {
		if x, ok := l.(ConfigurationListener); ok {
			x.OnConfigurationFailure(ctx, res)
		}
	})
}

func (c *Composite) BeforeInvocation(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "BeforeInvocation", func(l any) {
		if x, ok := l.(InvocationListener); ok {
			x.BeforeInvocation(ctx, res)
		}
	})
}

func (c *Composite) AfterInvocation(ctx context.Context, res *result.TestResult) {
	c.each(ctx, "AfterInvocation", func(l any) {
		if x, ok := l.(InvocationListener); ok {
			x.AfterInvocation(ctx, res)
		}
	})
}

// Each calls fn for every registered listener with panic protection. The
// runner uses it for listener kinds defined outside this package.
func (c *Composite) Each(ctx context.Context, method string, fn func(l any)) {
	c.each(ctx, method, fn)
}

// =============================================================================
// Named factories
// =============================================================================

// Factory builds a listener. Used for discovery by name from config files.
type Factory func() any

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}

	kindsMu sync.RWMutex
	kinds   []func(any) bool
)

// RegisterFactory makes a listener constructible by name. Later
// registrations under the same name replace earlier ones.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// FactoryNames returns the registered factory names, sorted.
func FactoryNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterNamed builds and registers the listeners with the given factory names.
func (c *Composite) RegisterNamed(names ...string) error {
	for _, name := range names {
		factoriesMu.RLock()
		f, ok := factories[name]
		factoriesMu.RUnlock()
		if !ok {
			return errs.New(errs.NotFound, fmt.Sprintf("lifecycle: no listener factory named %q", name))
		}
		if err := c.Register(f()); err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
	}
	return nil
}

// RegisterKind teaches Register to accept values matching pred. Packages
// that define their own listener interfaces call it from init.
func RegisterKind(pred func(any) bool) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds = append(kinds, pred)
}

func extraKinds() []func(any) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return kinds
}
