package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/lifecycle"
	"github.com/kuitang/webprobe/internal/result"
	"pgregory.net/rapid"
)

// events records test, retry and configuration callbacks as "kind:test".
type events struct {
	mu  sync.Mutex
	got []string
}

func (e *events) add(kind string, res *result.TestResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, kind+":"+res.Name)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.got...)
}

func (e *events) forTest(name string) []string {
	var out []string
	for _, ev := range e.list() {
		if strings.HasSuffix(ev, ":"+name) {
			out = append(out, strings.TrimSuffix(ev, ":"+name))
		}
	}
	return out
}

func (e *events) OnTestStart(_ context.Context, r *result.TestResult)   { e.add("start", r) }
func (e *events) OnTestSuccess(_ context.Context, r *result.TestResult) { e.add("success", r) }
func (e *events) OnTestFailure(_ context.Context, r *result.TestResult) { e.add("failure", r) }
func (e *events) OnTestSkipped(_ context.Context, r *result.TestResult) { e.add("skipped", r) }
func (e *events) OnTestRetry(_ context.Context, r *result.TestResult)   { e.add("retry", r) }
func (e *events) OnConfigurationSuccess(_ context.Context, r *result.TestResult) {
	e.add("config_ok", r)
}
func (e *events) OnConfigurationFailure(_ context.Context, r *result.TestResult) {
	e.add("config_fail", r)
}

func newRunner(t *testing.T, opts ...Option) (*Runner, *events) {
	t.Helper()
	ev := &events{}
	c, err := lifecycle.NewComposite(ev)
	if err != nil {
		t.Fatalf("NewComposite: %v", err)
	}
	return NewRunner(append([]Option{WithListeners(c), WithRunID("run-1")}, opts...)...), ev
}

func finalResult(t *testing.T, run *result.RunInfo, name string) *result.TestResult {
	t.Helper()
	for _, s := range run.Suites {
		for _, res := range s.Results {
			if res.Name == name {
				return res
			}
		}
	}
	t.Fatalf("no final result for %q", name)
	return nil
}

func joined(s []string) string { return strings.Join(s, ",") }

func TestRun_PassFailSkip(t *testing.T) {
	r, ev := newRunner(t)
	suite := &Suite{Name: "basic"}
	suite.Add("passes", func(t *T) { t.Log("hello") })
	suite.Add("fails", func(t *T) { t.Errorf("bad value %d", 42) })
	suite.Add("skips", func(t *T) { t.Skip("not today") })

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ID != "run-1" {
		t.Fatalf("run ID = %q", run.ID)
	}

	if got := finalResult(t, run, "passes"); got.Status != result.Passed || joined(got.Logs) != "hello" {
		t.Fatalf("passes = %v logs %v", got.Status, got.Logs)
	}
	if got := finalResult(t, run, "fails"); got.Status != result.Failed || got.Message != "bad value 42" {
		t.Fatalf("fails = %v %q", got.Status, got.Message)
	}
	if got := finalResult(t, run, "skips"); got.Status != result.Skipped || got.SkipReason != "not today" {
		t.Fatalf("skips = %v %q", got.Status, got.SkipReason)
	}

	if got := joined(ev.forTest("passes")); got != "start,success" {
		t.Fatalf("passes events = %s", got)
	}
	if got := joined(ev.forTest("fails")); got != "start,failure" {
		t.Fatalf("fails events = %s", got)
	}
	if got := joined(ev.forTest("skips")); got != "start,skipped" {
		t.Fatalf("skips events = %s", got)
	}

	sum := run.Summary()
	if sum.Total != 3 || sum.Passed != 1 || sum.Failed != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if !run.Failed() {
		t.Fatal("run.Failed() = false")
	}
}

func TestRun_RetryUntilPass(t *testing.T) {
	r, ev := newRunner(t, WithRetry(MaxAttempts(3)))
	var calls atomic.Int32
	suite := &Suite{Name: "retry"}
	suite.Add("flaky", func(t *T) {
		if calls.Add(1) < 3 {
			t.Fatalf("attempt %d", t.Attempt())
		}
	})

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := finalResult(t, run, "flaky")
	if got.Status != result.Passed || got.Attempt != 3 {
		t.Fatalf("flaky = %v attempt %d", got.Status, got.Attempt)
	}
	if want := "start,retry,start,retry,start,success"; joined(ev.forTest("flaky")) != want {
		t.Fatalf("events = %v, want %s", ev.forTest("flaky"), want)
	}
	sum := run.Summary()
	if sum.Retried != 2 || sum.Passed != 1 || sum.Total != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRun_MaxAttemptsOneNeverRetries(t *testing.T) {
	r, ev := newRunner(t, WithRetry(MaxAttempts(1)))
	suite := &Suite{Name: "noretry"}
	suite.Add("fails", func(t *T) { t.FailNow() })

	if _, err := r.Run(context.Background(), suite); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := joined(ev.forTest("fails")); got != "start,failure" {
		t.Fatalf("events = %s", got)
	}
}

func TestRun_RetryOnErrorsFiltersCause(t *testing.T) {
	errFlaky := errors.New("flaky backend")
	r, ev := newRunner(t)
	suite := &Suite{Name: "filtered", Retry: RetryOnErrors(5, errFlaky)}
	suite.Add("retries", func(t *T) { t.Check(fmt.Errorf("wrapped: %w", errFlaky)) })
	suite.Add("does-not", func(t *T) { t.Check(errors.New("assertion")) })

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := finalResult(t, run, "retries"); got.Attempt != 5 || got.Status != result.Failed {
		t.Fatalf("retries = %v attempt %d", got.Status, got.Attempt)
	}
	if got := ev.forTest("does-not"); joined(got) != "start,failure" {
		t.Fatalf("does-not events = %v", got)
	}
}

func TestRun_TimeoutFailsAttempt(t *testing.T) {
	r, _ := newRunner(t, WithTimeout(50*time.Millisecond))
	var afterCtxErr error
	suite := &Suite{
		Name: "timeout",
		AfterEach: func(t *T) {
			afterCtxErr = t.Context().Err()
		},
	}
	suite.Add("blocks", func(t *T) {
		<-t.Context().Done()
		time.Sleep(20 * time.Millisecond)
		t.Log("late line is dropped")
	})

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := finalResult(t, run, "blocks")
	if got.Status != result.Failed || !IsTimeout(got) {
		t.Fatalf("blocks = %v err %v", got.Status, got.Err)
	}
	if !strings.Contains(got.Message, "timed out after 50ms") {
		t.Fatalf("message = %q", got.Message)
	}
	if afterCtxErr != nil {
		t.Fatalf("AfterEach context already done: %v", afterCtxErr)
	}
}

func TestRun_BeforeAllFailureSkipsEverything(t *testing.T) {
	r, ev := newRunner(t)
	afterAll := false
	ran := false
	suite := &Suite{
		Name:      "broken",
		BeforeAll: func(context.Context) error { return errors.New("no browser") },
		AfterAll:  func(context.Context) error { afterAll = true; return nil },
	}
	suite.Add("a", func(t *T) { ran = true })
	suite.Add("b", func(t *T) { ran = true })

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatal("test ran after BeforeAll failure")
	}
	if !afterAll {
		t.Fatal("AfterAll did not run")
	}
	for _, name := range []string{"a", "b"} {
		got := finalResult(t, run, name)
		if got.Status != result.Skipped || !strings.Contains(got.SkipReason, "no browser") {
			t.Fatalf("%s = %v %q", name, got.Status, got.SkipReason)
		}
	}
	if got := ev.forTest("BeforeAll"); joined(got) != "config_fail" {
		t.Fatalf("BeforeAll events = %v", got)
	}
	if got := ev.forTest("AfterAll"); joined(got) != "config_ok" {
		t.Fatalf("AfterAll events = %v", got)
	}
}

func TestRun_DependenciesAndPriority(t *testing.T) {
	r, _ := newRunner(t)
	var mu sync.Mutex
	var order []string
	track := func(name string, fail bool) func(*T) {
		return func(t *T) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if fail {
				t.FailNow()
			}
		}
	}
	suite := &Suite{Name: "deps", Tests: []*TestSpec{
		{Name: "checkout", Fn: track("checkout", false), DependsOn: []string{"login"}},
		{Name: "login", Fn: track("login", false), Priority: 5},
		{Name: "first", Fn: track("first", false), Priority: -1},
		{Name: "broken", Fn: track("broken", true)},
		{Name: "after-broken", Fn: track("after-broken", false), DependsOn: []string{"broken"}},
		{Name: "ghost", Fn: track("ghost", false), DependsOn: []string{"missing"}},
		{Name: "loop-a", Fn: track("loop-a", false), DependsOn: []string{"loop-b"}},
		{Name: "loop-b", Fn: track("loop-b", false), DependsOn: []string{"loop-a"}},
	}}

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := joined(order); got != "first,broken,login,checkout" {
		t.Fatalf("order = %s", got)
	}
	if got := finalResult(t, run, "checkout"); got.Status != result.Passed {
		t.Fatalf("checkout = %v", got.Status)
	}
	if got := finalResult(t, run, "after-broken"); got.Status != result.Skipped || !strings.Contains(got.SkipReason, "broken which ended FAIL") {
		t.Fatalf("after-broken = %v %q", got.Status, got.SkipReason)
	}
	if got := finalResult(t, run, "ghost"); !strings.Contains(got.SkipReason, "unknown test missing") {
		t.Fatalf("ghost reason = %q", got.SkipReason)
	}
	for _, name := range []string{"loop-a", "loop-b"} {
		if got := finalResult(t, run, name); !strings.Contains(got.SkipReason, "dependency cycle") {
			t.Fatalf("%s reason = %q", name, got.SkipReason)
		}
	}
}

func TestRun_ParallelRunsConcurrently(t *testing.T) {
	r, _ := newRunner(t, WithTimeout(2*time.Second))
	const n = 4
	var arrived atomic.Int32
	barrier := make(chan struct{})
	suite := &Suite{Name: "parallel", Parallel: n}
	for i := 0; i < n; i++ {
		suite.Add(fmt.Sprintf("t%d", i), func(t *T) {
			if arrived.Add(1) == n {
				close(barrier)
			}
			select {
			case <-barrier:
			case <-t.Context().Done():
				t.Fatal("tests did not run concurrently")
			}
		})
	}

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum := run.Summary(); sum.Passed != n {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRun_ParallelHonorsDependencies(t *testing.T) {
	r, _ := newRunner(t)
	var loginDone atomic.Bool
	suite := &Suite{Name: "pdeps", Parallel: 2, Tests: []*TestSpec{
		{Name: "dashboard", DependsOn: []string{"login"}, Fn: func(t *T) {
			if !loginDone.Load() {
				t.Fatal("dependency had not finished")
			}
		}},
		{Name: "login", Fn: func(t *T) {
			time.Sleep(20 * time.Millisecond)
			loginDone.Store(true)
		}},
	}}
	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := finalResult(t, run, "dashboard"); got.Status != result.Passed {
		t.Fatalf("dashboard = %v %s", got.Status, got.ErrorText())
	}
}

type disableSlow struct{}

func (disableSlow) TransformTest(spec *TestSpec) {
	for _, g := range spec.Groups {
		if g == "slow" {
			spec.Disabled = true
		}
	}
	spec.Retry = MaxAttempts(2)
}

func TestRun_TransformerAdjustsCopies(t *testing.T) {
	r, ev := newRunner(t)
	if err := r.Listeners().Register(disableSlow{}); err != nil {
		t.Fatalf("Register transformer: %v", err)
	}
	suite := &Suite{Name: "transform", Tests: []*TestSpec{
		{Name: "slow", Groups: []string{"slow"}, Fn: func(t *T) {}},
		{Name: "flaky", Fn: func(t *T) {
			if t.Attempt() == 1 {
				t.FailNow()
			}
		}},
	}}

	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := finalResult(t, run, "slow"); got.Status != result.Skipped || got.SkipReason != "disabled" {
		t.Fatalf("slow = %v %q", got.Status, got.SkipReason)
	}
	if got := joined(ev.forTest("flaky")); got != "start,retry,start,success" {
		t.Fatalf("flaky events = %s", got)
	}
	if suite.Tests[0].Disabled || suite.Tests[1].Retry != nil {
		t.Fatal("transformer modified the declared suite")
	}
}

func TestRun_GroupFilter(t *testing.T) {
	r, _ := newRunner(t, WithGroups("smoke"))
	suite := &Suite{Name: "groups", Tests: []*TestSpec{
		{Name: "smoke-test", Groups: []string{"smoke", "ui"}, Fn: func(t *T) {}},
		{Name: "full-test", Groups: []string{"regression"}, Fn: func(t *T) {}},
		{Name: "smoke-after-full", Groups: []string{"smoke"}, DependsOn: []string{"full-test"}, Fn: func(t *T) {}},
	}}
	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Suites[0].Results) != 2 {
		t.Fatalf("results = %v", run.Suites[0].Results)
	}
	if got := finalResult(t, run, "smoke-test"); got.Status != result.Passed {
		t.Fatalf("smoke-test = %v", got.Status)
	}
	got := finalResult(t, run, "smoke-after-full")
	if got.Status != result.Skipped || got.SkipReason != "depends on full-test, excluded by the group filter" {
		t.Fatalf("smoke-after-full = %v %q", got.Status, got.SkipReason)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	r, _ := newRunner(t)
	suite := &Suite{Name: "panics"}
	suite.Add("boom", func(t *T) { panic("boom") })
	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := finalResult(t, run, "boom"); got.Status != result.Failed || got.Message != "panic: boom" {
		t.Fatalf("boom = %v %q", got.Status, got.Message)
	}
}

func TestRun_FailNowStopsTestAndCleanupRunsLast(t *testing.T) {
	var seq []string
	var mu sync.Mutex
	add := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		seq = append(seq, s)
	}
	ev := &failureHook{add: add}
	c, _ := lifecycle.NewComposite(ev)
	r := NewRunner(WithListeners(c))

	suite := &Suite{Name: "stop", AfterEach: func(t *T) { add("after_each") }}
	suite.Add("stops", func(t *T) {
		t.Cleanup(func() { add("cleanup") })
		add("before_fail")
		t.FailNow()
		add("unreachable")
	})
	if _, err := r.Run(context.Background(), suite); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := joined(seq); got != "before_fail,after_each,on_failure,cleanup" {
		t.Fatalf("sequence = %s", got)
	}
}

type failureHook struct{ add func(string) }

func (f *failureHook) OnTestStart(context.Context, *result.TestResult)   {}
func (f *failureHook) OnTestSuccess(context.Context, *result.TestResult) {}
func (f *failureHook) OnTestFailure(context.Context, *result.TestResult) { f.add("on_failure") }
func (f *failureHook) OnTestSkipped(context.Context, *result.TestResult) {}

func TestRun_BeforeEachFailureSkipsBody(t *testing.T) {
	r, ev := newRunner(t)
	ran := false
	suite := &Suite{Name: "each", BeforeEach: func(t *T) { t.Fatal("setup broke") }}
	suite.Add("body", func(t *T) { ran = true })
	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatal("body ran after BeforeEach failure")
	}
	if got := finalResult(t, run, "body"); got.Message != "setup broke" {
		t.Fatalf("message = %q", got.Message)
	}
	if got := ev.forTest("BeforeEach"); joined(got) != "config_fail" {
		t.Fatalf("BeforeEach events = %v", got)
	}
}

func TestRun_InvalidSuites(t *testing.T) {
	r := NewRunner()
	cases := []*Suite{
		nil,
		{},
		{Name: "dup", Tests: []*TestSpec{{Name: "a", Fn: func(*T) {}}, {Name: "a", Fn: func(*T) {}}}},
		{Name: "nofn", Tests: []*TestSpec{{Name: "a"}}},
		{Name: "noname", Tests: []*TestSpec{{Fn: func(*T) {}}}},
	}
	for i, s := range cases {
		if _, err := r.Run(context.Background(), s); !errs.Is(err, errs.InvalidArgument) {
			t.Fatalf("case %d: err = %v, want InvalidArgument", i, err)
		}
	}
}

func TestRun_CancelledContextSkipsRemaining(t *testing.T) {
	r, _ := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	suite := &Suite{Name: "cancel"}
	suite.Add("first", func(t *T) { cancel() })
	suite.Add("second", func(t *T) {})
	run, err := r.Run(ctx, suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := finalResult(t, run, "second"); got.Status != result.Skipped || got.SkipReason != "run cancelled" {
		t.Fatalf("second = %v %q", got.Status, got.SkipReason)
	}
}

// =============================================================================
// Property: attempts and listener order follow the analyzer
// =============================================================================

func testRun_AttemptsFollowAnalyzer(t *rapid.T) {
	maxAttempts := rapid.IntRange(1, 5).Draw(t, "maxAttempts")
	outcomes := rapid.SliceOfN(rapid.Bool(), 1, 6).Draw(t, "passOnAttempt")

	ev := &events{}
	c, _ := lifecycle.NewComposite(ev)
	r := NewRunner(WithListeners(c), WithRetry(MaxAttempts(maxAttempts)))
	suite := &Suite{Name: "prop"}
	suite.Add("x", func(tt *T) {
		i := tt.Attempt() - 1
		if i >= len(outcomes) || !outcomes[i] {
			tt.FailNow()
		}
	})
	run, err := r.Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantAttempts := maxAttempts
	wantStatus := result.Failed
	for i := 0; i < maxAttempts; i++ {
		if i < len(outcomes) && outcomes[i] {
			wantAttempts = i + 1
			wantStatus = result.Passed
			break
		}
	}

	res := run.Suites[0].Results[0]
	if res.Attempt != wantAttempts || res.Status != wantStatus {
		t.Fatalf("got attempt %d %v, want %d %v", res.Attempt, res.Status, wantAttempts, wantStatus)
	}

	var want []string
	for i := 1; i < wantAttempts; i++ {
		want = append(want, "start", "retry")
	}
	want = append(want, "start")
	if wantStatus == result.Passed {
		want = append(want, "success")
	} else {
		want = append(want, "failure")
	}
	if got := ev.forTest("x"); joined(got) != joined(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	finals := 0
	for _, r := range run.Results() {
		if r.Status.Final() {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final results = %d, want 1", finals)
	}
}

func TestRun_AttemptsFollowAnalyzer(t *testing.T) {
	rapid.Check(t, testRun_AttemptsFollowAnalyzer)
}

func TestRunT_MirrorsResults(t *testing.T) {
	suite := &Suite{Name: "bridge"}
	suite.Add("ok", func(t *T) { t.Log("fine") })
	suite.Add("later", func(t *T) { t.Skip("needs browser") })

	run := RunT(t, suite)
	if sum := run.Summary(); sum.Passed != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}
