package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/lifecycle"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
	"github.com/sourcegraph/conc/pool"
)

// Runner executes suites and reports every step to its listeners.
type Runner struct {
	listeners *lifecycle.Composite
	retry     RetryAnalyzer
	timeout   time.Duration
	name      string
	engine    string
	groups    []string
	runID     string
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithListeners uses c for dispatch instead of a fresh composite.
func WithListeners(c *lifecycle.Composite) Option {
	return func(r *Runner) { r.listeners = c }
}

// WithRetry sets the analyzer used when neither test nor suite has one.
func WithRetry(a RetryAnalyzer) Option {
	return func(r *Runner) { r.retry = a }
}

// WithTimeout sets the per-attempt timeout used when neither test nor suite has one.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithName names the run.
func WithName(name string) Option {
	return func(r *Runner) { r.name = name }
}

// WithEngine records the browser engine name on the run and in logs.
func WithEngine(engine string) Option {
	return func(r *Runner) { r.engine = engine }
}

// WithGroups runs only tests belonging to at least one of groups.
func WithGroups(groups ...string) Option {
	return func(r *Runner) { r.groups = groups }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// WithClock overrides time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a runner with an empty listener composite unless
// WithListeners is given.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.listeners == nil {
		r.listeners = &lifecycle.Composite{}
	}
	if r.retry == nil {
		r.retry = NoRetry
	}
	return r
}

// Listeners is the composite the runner dispatches to.
func (r *Runner) Listeners() *lifecycle.Composite { return r.listeners }

// Run executes suites in order. The returned error reports invalid suites
// only; test failures are recorded in the RunInfo.
func (r *Runner) Run(ctx context.Context, suites ...*Suite) (*result.RunInfo, error) {
	for _, s := range suites {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	id := r.runID
	if id == "" {
		id = uuid.NewString()
	}
	run := &result.RunInfo{ID: id, Name: r.name, Engine: r.engine, StartedAt: r.now()}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: id, Engine: r.engine})
	log := obs.From(ctx).With("pkg", "harness")
	log.Info("run_start", "name", r.name, "suites", len(suites))

	r.listeners.OnExecutionStart(ctx, run)
	for _, s := range suites {
		run.Suites = append(run.Suites, r.runSuite(ctx, run, s))
	}
	run.FinishedAt = r.now()
	r.listeners.OnExecutionFinish(ctx, run)

	sum := run.Summary()
	log.Info("run_finish",
		"total", sum.Total,
		"passed", sum.Passed,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"retried", sum.Retried,
		"duration_ms", sum.Duration.Milliseconds(),
	)
	return run, nil
}

// suiteRun holds the state of one suite execution.
type suiteRun struct {
	r     *Runner
	run   *result.RunInfo
	suite *Suite
	info  *result.SuiteInfo

	mu     sync.Mutex
	states map[string]*testState
}

type testState struct {
	done   chan struct{}
	status result.Status
}

func (r *Runner) runSuite(ctx context.Context, run *result.RunInfo, s *Suite) *result.SuiteInfo {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Suite: s.Name})
	specs, excluded := r.prepare(ctx, s)

	sr := &suiteRun{
		r:      r,
		run:    run,
		suite:  s,
		info:   &result.SuiteInfo{RunID: run.ID, Name: s.Name, TestCount: len(specs), StartedAt: r.now()},
		states: make(map[string]*testState, len(specs)),
	}
	for _, spec := range specs {
		sr.states[spec.Name] = &testState{done: make(chan struct{})}
	}

	r.listeners.OnSuiteStart(ctx, sr.info)

	ordered, problems := orderTests(specs, excluded)
	if err := sr.hook(ctx, "BeforeAll", s.BeforeAll); err != nil {
		reason := "BeforeAll failed: " + err.Error()
		for _, spec := range ordered {
			sr.finish(spec.Name, sr.skip(ctx, spec, reason))
		}
	} else {
		sr.execute(ctx, ordered, problems)
	}
	_ = sr.hook(ctx, "AfterAll", s.AfterAll)

	sr.info.FinishedAt = r.now()
	r.listeners.OnSuiteFinish(ctx, sr.info)
	return sr.info
}

// prepare copies the suite's specs, applies transformers and the group
// filter, returning the kept specs and the names the filter dropped. The
// suite itself is never modified.
func (r *Runner) prepare(ctx context.Context, s *Suite) ([]*TestSpec, map[string]bool) {
	out := make([]*TestSpec, 0, len(s.Tests))
	excluded := make(map[string]bool)
	for _, orig := range s.Tests {
		spec := *orig
		spec.Groups = append([]string(nil), orig.Groups...)
		spec.DependsOn = append([]string(nil), orig.DependsOn...)
		if orig.Params != nil {
			spec.Params = make(map[string]string, len(orig.Params))
			for k, v := range orig.Params {
				spec.Params[k] = v
			}
		}
		r.listeners.Each(ctx, "TransformTest", func(l any) {
			if x, ok := l.(ResultTransformer); ok {
				x.TransformTest(&spec)
			}
		})
		if !inGroups(spec.Groups, r.groups) {
			excluded[spec.Name] = true
			continue
		}
		out = append(out, &spec)
	}
	return out, excluded
}

func inGroups(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, g := range have {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

func (sr *suiteRun) execute(ctx context.Context, ordered []*TestSpec, problems map[string]string) {
	if sr.suite.Parallel < 2 {
		for _, spec := range ordered {
			sr.finish(spec.Name, sr.runTest(ctx, spec, problems[spec.Name]))
		}
		return
	}

	// Tests are submitted in dependency order and Go blocks while the pool
	// is full, so every dependency is already running when a dependent waits.
	p := pool.New().WithMaxGoroutines(sr.suite.Parallel)
	for _, spec := range ordered {
		spec := spec
		p.Go(func() {
			sr.finish(spec.Name, sr.runTest(ctx, spec, problems[spec.Name]))
		})
	}
	p.Wait()
}

func (sr *suiteRun) finish(name string, status result.Status) {
	st := sr.states[name]
	st.status = status
	close(st.done)
}

// awaitDeps blocks until every known dependency finished and returns a skip
// reason when one did not pass.
func (sr *suiteRun) awaitDeps(ctx context.Context, spec *TestSpec) string {
	for _, dep := range spec.DependsOn {
		st, ok := sr.states[dep]
		if !ok {
			continue
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return "run cancelled"
		}
		if st.status != result.Passed {
			return fmt.Sprintf("depends on %s which ended %s", dep, st.status)
		}
	}
	return ""
}

func (sr *suiteRun) runTest(ctx context.Context, spec *TestSpec, problem string) result.Status {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Test: spec.Name})
	switch {
	case problem != "":
		return sr.skip(ctx, spec, problem)
	case spec.Disabled:
		return sr.skip(ctx, spec, "disabled")
	}
	if reason := sr.awaitDeps(ctx, spec); reason != "" {
		return sr.skip(ctx, spec, reason)
	}
	if ctx.Err() != nil {
		return sr.skip(ctx, spec, "run cancelled")
	}

	analyzer := sr.analyzer(spec)
	timeout := sr.timeout(spec)
	for attempt := 1; ; attempt++ {
		res := sr.newResult(spec, attempt)
		actx := obs.WithCorrelation(ctx, obs.Correlation{Attempt: attempt})
		t := sr.attempt(actx, spec, res, timeout)

		if res.Status == result.Failed && attempt < hardAttemptLimit && ctx.Err() == nil && analyzer.Retry(res) {
			res.Status = result.Retried
			sr.record(res)
			obs.From(actx).With("pkg", "harness").Warn("test_retry", "error", res.ErrorText())
			sr.r.listeners.OnTestRetry(actx, res)
			t.runCleanups()
			continue
		}

		sr.record(res)
		sr.logResult(actx, res)
		switch res.Status {
		case result.Passed:
			sr.r.listeners.OnTestSuccess(actx, res)
		case result.Skipped:
			sr.r.listeners.OnTestSkipped(actx, res)
		default:
			sr.r.listeners.OnTestFailure(actx, res)
		}
		t.runCleanups()
		return res.Status
	}
}

// attempt runs one attempt and sets res.Status to Passed, Failed or Skipped.
func (sr *suiteRun) attempt(ctx context.Context, spec *TestSpec, res *result.TestResult, timeout time.Duration) *T {
	l := sr.r.listeners
	res.StartedAt = sr.r.now()
	l.BeforeInvocation(ctx, res)
	l.OnTestStart(ctx, res)

	tctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	t := newT(tctx, res)
	finished := true
	if sr.suite.BeforeEach != nil {
		finished = t.runPhase(tctx, sr.suite.BeforeEach)
		sr.eachHookOutcome(ctx, "BeforeEach", t, false)
	}
	if finished && !t.Failed() && !t.Skipped() {
		finished = t.runPhase(tctx, spec.Fn)
	}
	if !finished {
		if ctx.Err() != nil {
			t.fail(errs.Wrap(errs.Unavailable, "run cancelled", ctx.Err()))
		} else {
			t.fail(errs.Wrap(errs.DeadlineExceeded, fmt.Sprintf("test timed out after %s", timeout), tctx.Err()))
		}
	}
	if sr.suite.AfterEach != nil {
		hctx, hcancel := context.WithoutCancel(ctx), context.CancelFunc(func() {})
		if timeout > 0 {
			hctx, hcancel = context.WithTimeout(hctx, timeout)
		}
		t.setContext(hctx)
		failedBefore := t.Failed()
		if !t.runPhase(hctx, sr.suite.AfterEach) {
			t.fail(errs.New(errs.DeadlineExceeded, fmt.Sprintf("AfterEach timed out after %s", timeout)))
		}
		sr.eachHookOutcome(ctx, "AfterEach", t, failedBefore)
		t.setContext(tctx)
		hcancel()
	}

	failed, skipped, err, reason := t.outcome()
	res.FinishedAt = sr.r.now()
	switch {
	case failed:
		if err == nil {
			err = errs.New(errs.Internal, "test failed")
		}
		res.Status = result.Failed
		res.Err = err
		res.Message = err.Error()
	case skipped:
		res.Status = result.Skipped
		res.SkipReason = reason
	default:
		res.Status = result.Passed
	}
	l.AfterInvocation(ctx, res)
	return t
}

// eachHookOutcome reports a BeforeEach/AfterEach run to configuration
// listeners. failedBefore tells whether the attempt had already failed.
func (sr *suiteRun) eachHookOutcome(ctx context.Context, name string, t *T, failedBefore bool) {
	hres := &result.TestResult{
		RunID:   sr.run.ID,
		Suite:   sr.suite.Name,
		Name:    name,
		Attempt: t.Attempt(),
	}
	if !failedBefore && t.Failed() {
		hres.Status = result.Failed
		sr.r.listeners.OnConfigurationFailure(ctx, hres)
		return
	}
	hres.Status = result.Passed
	sr.r.listeners.OnConfigurationSuccess(ctx, hres)
}

// hook runs a suite-level hook and reports it to configuration listeners.
func (sr *suiteRun) hook(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	res := &result.TestResult{
		RunID:     sr.run.ID,
		Suite:     sr.suite.Name,
		Name:      name,
		Attempt:   1,
		StartedAt: sr.r.now(),
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New(errs.Internal, fmt.Sprintf("panic: %v", r))
			}
		}()
		err = fn(ctx)
	}()
	res.FinishedAt = sr.r.now()

	if err != nil {
		res.Status = result.Failed
		res.Err = err
		res.Message = err.Error()
		obs.From(ctx).With("pkg", "harness").Warn("hook_failed", "hook", name, "error", err)
		sr.r.listeners.OnConfigurationFailure(ctx, res)
		return err
	}
	res.Status = result.Passed
	sr.r.listeners.OnConfigurationSuccess(ctx, res)
	return nil
}

// skip reports a test that never ran. Listeners still see a start first.
func (sr *suiteRun) skip(ctx context.Context, spec *TestSpec, reason string) result.Status {
	res := sr.newResult(spec, 1)
	res.StartedAt = sr.r.now()
	sr.r.listeners.OnTestStart(ctx, res)
	res.Status = result.Skipped
	res.SkipReason = reason
	res.FinishedAt = res.StartedAt
	sr.record(res)
	sr.logResult(ctx, res)
	sr.r.listeners.OnTestSkipped(ctx, res)
	return result.Skipped
}

func (sr *suiteRun) newResult(spec *TestSpec, attempt int) *result.TestResult {
	return &result.TestResult{
		RunID:       sr.run.ID,
		Suite:       sr.suite.Name,
		Name:        spec.Name,
		Description: spec.Description,
		Groups:      spec.Groups,
		Attempt:     attempt,
		Status:      result.Started,
		Params:      spec.Params,
	}
}

func (sr *suiteRun) record(res *result.TestResult) {
	sr.run.Record(res)
	if !res.Status.Final() {
		return
	}
	sr.mu.Lock()
	sr.info.Results = append(sr.info.Results, res)
	sr.mu.Unlock()
}

func (sr *suiteRun) logResult(ctx context.Context, res *result.TestResult) {
	log := obs.From(ctx).With("pkg", "harness")
	attrs := []any{
		"status", res.Status.String(),
		"attempts", res.Attempt,
		"duration_ms", res.Duration().Milliseconds(),
	}
	switch res.Status {
	case result.Failed:
		log.Error("test_finished", append(attrs, "error", res.ErrorText())...)
	case result.Skipped:
		log.Info("test_finished", append(attrs, "reason", res.SkipReason)...)
	default:
		log.Info("test_finished", attrs...)
	}
}

func (sr *suiteRun) analyzer(spec *TestSpec) RetryAnalyzer {
	switch {
	case spec.Retry != nil:
		return spec.Retry
	case sr.suite.Retry != nil:
		return sr.suite.Retry
	default:
		return sr.r.retry
	}
}

func (sr *suiteRun) timeout(spec *TestSpec) time.Duration {
	switch {
	case spec.Timeout > 0:
		return spec.Timeout
	case sr.suite.Timeout > 0:
		return sr.suite.Timeout
	default:
		return sr.r.timeout
	}
}

// IsTimeout reports whether a result failed because its attempt timed out.
func IsTimeout(res *result.TestResult) bool {
	return res != nil && (errs.Is(res.Err, errs.DeadlineExceeded) || errors.Is(res.Err, context.DeadlineExceeded))
}
