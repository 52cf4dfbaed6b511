package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
	"pgregory.net/rapid"
)

// recorder implements every listener interface and records the calls.
type recorder struct {
	name string
	mu   sync.Mutex
	log  *[]string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name+":"+ev)
}

func (r *recorder) OnExecutionStart(context.Context, *result.RunInfo)  { r.add("exec_start") }
func (r *recorder) OnExecutionFinish(context.Context, *result.RunInfo) { r.add("exec_finish") }
func (r *recorder) OnSuiteStart(context.Context, *result.SuiteInfo)    { r.add("suite_start") }
func (r *recorder) OnSuiteFinish(context.Context, *result.SuiteInfo)   { r.add("suite_finish") }
func (r *recorder) OnTestStart(context.Context, *result.TestResult)    { r.add("start") }
func (r *recorder) OnTestSuccess(context.Context, *result.TestResult)  { r.add("success") }
func (r *recorder) OnTestFailure(context.Context, *result.TestResult)  { r.add("failure") }
func (r *recorder) OnTestSkipped(context.Context, *result.TestResult)  { r.add("skipped") }
func (r *recorder) OnTestRetry(context.Context, *result.TestResult)    { r.add("retry") }
func (r *recorder) OnConfigurationSuccess(context.Context, *result.TestResult) {
	r.add("config_success")
}
func (r *recorder) OnConfigurationFailure(context.Context, *result.TestResult) {
	r.add("config_failure")
}
func (r *recorder) BeforeInvocation(context.Context, *result.TestResult) { r.add("before") }
func (r *recorder) AfterInvocation(context.Context, *result.TestResult)  { r.add("after") }

// retryOnly implements a single interface.
type retryOnly struct{ calls atomic.Int32 }

func (r *retryOnly) OnTestRetry(context.Context, *result.TestResult) { r.calls.Add(1) }

type panicky struct{}

func (panicky) OnTestStart(context.Context, *result.TestResult)   { panic("boom") }
func (panicky) OnTestSuccess(context.Context, *result.TestResult) {}
func (panicky) OnTestFailure(context.Context, *result.TestResult) {}
func (panicky) OnTestSkipped(context.Context, *result.TestResult) {}

func TestRegister_RejectsNilAndNonListeners(t *testing.T) {
	c := &Composite{}

	err := c.Register(nil)
	if !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("Register(nil) error = %v, want InvalidArgument", err)
	}
	err = c.Register((*retryOnly)(nil))
	if !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("Register(typed nil) error = %v, want InvalidArgument", err)
	}
	if c.Len() != 0 {
		t.Fatalf("typed nil was registered, Len() = %d", c.Len())
	}
	err = c.Register("not a listener")
	if !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("Register(string) error = %v, want InvalidArgument", err)
	}
	if err := c.Register(c); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("Register(self) error = %v, want InvalidArgument", err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestRegister_DuplicatePointerIsNoop(t *testing.T) {
	c := &Composite{}
	r := &retryOnly{}
	for i := 0; i < 3; i++ {
		if err := c.Register(r); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	c.OnTestRetry(context.Background(), &result.TestResult{})
	if r.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", r.calls.Load())
	}
}

func TestDispatch_OnlyMatchingInterfaces(t *testing.T) {
	var log []string
	rec := &recorder{name: "a", log: &log}
	r := &retryOnly{}
	c, err := NewComposite(rec, r)
	if err != nil {
		t.Fatalf("NewComposite: %v", err)
	}

	ctx := context.Background()
	res := &result.TestResult{Name: "t"}
	c.OnTestStart(ctx, res)
	c.OnTestRetry(ctx, res)
	c.OnTestSuccess(ctx, res)

	want := []string{"a:start", "a:retry", "a:success"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("log = %v, want %v", log, want)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("retryOnly.calls = %d, want 1", r.calls.Load())
	}
}

func TestDispatch_AllMethodsReachRecorder(t *testing.T) {
	var log []string
	c, err := NewComposite(&recorder{name: "r", log: &log})
	if err != nil {
		t.Fatalf("NewComposite: %v", err)
	}
	ctx := context.Background()
	res := &result.TestResult{}
	c.OnExecutionStart(ctx, &result.RunInfo{})
	c.OnSuiteStart(ctx, &result.SuiteInfo{})
	c.OnConfigurationSuccess(ctx, res)
	c.BeforeInvocation(ctx, res)
	c.OnTestStart(ctx, res)
	c.OnTestFailure(ctx, res)
	c.OnTestSkipped(ctx, res)
	c.AfterInvocation(ctx, res)
	c.OnConfigurationFailure(ctx, res)
	c.OnSuiteFinish(ctx, &result.SuiteInfo{})
	c.OnExecutionFinish(ctx, &result.RunInfo{})

	if len(log) != 11 {
		t.Fatalf("got %d callbacks, want 11: %v", len(log), log)
	}
}

func TestDispatch_PanicIsRecoveredAndCollected(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutputForTests(&buf)
	defer restore()

	var log []string
	c, err := NewComposite(panicky{}, &recorder{name: "after", log: &log})
	if err != nil {
		t.Fatalf("NewComposite: %v", err)
	}
	c.OnTestStart(context.Background(), &result.TestResult{})

	if len(log) != 1 || log[0] != "after:start" {
		t.Fatalf("listener after the panicking one was not called: %v", log)
	}
	errsSeen := c.Errors()
	if len(errsSeen) != 1 || !strings.Contains(errsSeen[0].Error(), "boom") {
		t.Fatalf("Errors() = %v, want one error mentioning boom", errsSeen)
	}
	if !strings.Contains(buf.String(), `"msg":"listener_panic"`) {
		t.Fatalf("expected listener_panic log line, got %s", buf.String())
	}
}

func TestUnregister(t *testing.T) {
	c := &Composite{}
	a, b := &retryOnly{}, &retryOnly{}
	_ = c.Register(a)
	_ = c.Register(b)
	c.Unregister(a)
	c.Unregister(&retryOnly{}) // unknown is ignored

	got := c.Listeners()
	if len(got) != 1 || got[0] != any(b) {
		t.Fatalf("Listeners() = %v, want [b]", got)
	}
}

// selfRegistering registers a fresh listener the first time it sees a start.
type selfRegistering struct {
	c     *Composite
	added *retryOnly
}

func (s *selfRegistering) OnTestStart(context.Context, *result.TestResult) {
	if s.added == nil {
		s.added = &retryOnly{}
		_ = s.c.Register(s.added)
	}
}
func (s *selfRegistering) OnTestSuccess(context.Context, *result.TestResult) {}
func (s *selfRegistering) OnTestFailure(context.Context, *result.TestResult) {}
func (s *selfRegistering) OnTestSkipped(context.Context, *result.TestResult) {}

func TestDispatch_RegisterFromCallbackDoesNotDeadlock(t *testing.T) {
	c := &Composite{}
	s := &selfRegistering{c: c}
	_ = c.Register(s)
	c.OnTestStart(context.Background(), &result.TestResult{})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}

func TestRegisterNamed(t *testing.T) {
	RegisterFactory("test-retry-only", func() any { return &retryOnly{} })

	c := &Composite{}
	if err := c.RegisterNamed("test-retry-only"); err != nil {
		t.Fatalf("RegisterNamed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	err := c.RegisterNamed("missing-factory")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("RegisterNamed(missing) error = %v, want NotFound", err)
	}

	found := false
	for _, name := range FactoryNames() {
		if name == "test-retry-only" {
			found = true
		}
	}
	if !found {
		t.Fatalf("FactoryNames() missing test-retry-only: %v", FactoryNames())
	}
}

type customKind struct{}

func (customKind) Custom() {}

func TestRegisterKind_AcceptsExtraInterfaces(t *testing.T) {
	RegisterKind(func(l any) bool {
		_, ok := l.(interface{ Custom() })
		return ok
	})
	c := &Composite{}
	if err := c.Register(customKind{}); err != nil {
		t.Fatalf("Register(customKind) = %v", err)
	}
	seen := 0
	c.Each(context.Background(), "Custom", func(l any) {
		if x, ok := l.(interface{ Custom() }); ok {
			x.Custom()
			seen++
		}
	})
	if seen != 1 {
		t.Fatalf("Each visited %d custom listeners, want 1", seen)
	}
}

func TestRegister_ConcurrentIsSafe(t *testing.T) {
	c := &Composite{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Register(&retryOnly{})
			c.OnTestRetry(context.Background(), &result.TestResult{})
		}()
	}
	wg.Wait()
	if c.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", c.Len())
	}
}

// =============================================================================
// Property: dispatch preserves registration order
// =============================================================================

func testDispatch_PreservesRegistrationOrder(t *rapid.T) {
	n := rapid.IntRange(1, 20).Draw(t, "n")
	var log []string
	c := &Composite{}
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("l%d", i)
		if err := c.Register(&recorder{name: name, log: &log}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		want = append(want, name+":success")
	}
	c.OnTestSuccess(context.Background(), &result.TestResult{})
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestDispatch_PreservesRegistrationOrder(t *testing.T) {
	rapid.Check(t, testDispatch_PreservesRegistrationOrder)
}
