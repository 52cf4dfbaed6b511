package harness

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

// T is the handle passed to one test attempt. Methods may be called from
// the test goroutine only, except Context, Name, Attempt and the logging
// methods, which are safe anywhere.
type T struct {
	ctx context.Context
	res *result.TestResult

	mu         sync.Mutex
	failed     bool
	skipped    bool
	err        error
	skipReason string
	done       bool
	cleanups   []func()
}

func newT(ctx context.Context, res *result.TestResult) *T {
	return &T{ctx: ctx, res: res}
}

// Context is cancelled when the attempt times out or the run is cancelled.
// AfterEach hooks get a fresh context so they can clean up after a timeout.
func (t *T) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

func (t *T) setContext(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
}

// Name is the test name.
func (t *T) Name() string { return t.res.Name }

// Attempt is the 1-based attempt number.
func (t *T) Attempt() int { return t.res.Attempt }

// Result exposes the attempt's result, mostly for SetValue.
func (t *T) Result() *result.TestResult { return t.res }

// Param returns a declared test parameter.
func (t *T) Param(key string) string { return t.res.Params[key] }

// Log records a line in the result and the structured log.
func (t *T) Log(args ...any) { t.log(fmt.Sprintln(args...)) }

// Logf is Log with formatting.
func (t *T) Logf(format string, args ...any) { t.log(fmt.Sprintf(format, args...)) }

func (t *T) log(line string) {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	t.mu.Lock()
	if !t.done {
		t.res.Logs = append(t.res.Logs, line)
	}
	t.mu.Unlock()
	obs.From(t.Context()).With("pkg", "harness").Debug("test_log", "line", line)
}

// Fail marks the attempt failed and continues.
func (t *T) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.failed = true
}

// Error is Log followed by Fail. The first error becomes the attempt's error.
func (t *T) Error(args ...any) {
	t.fail(errs.New(errs.Internal, trimNewline(fmt.Sprintln(args...))))
}

// Errorf is Logf followed by Fail.
func (t *T) Errorf(format string, args ...any) {
	t.fail(errs.New(errs.Internal, fmt.Sprintf(format, args...)))
}

// FailWith marks the attempt failed with err and continues.
func (t *T) FailWith(err error) {
	if err == nil {
		return
	}
	t.fail(err)
}

func (t *T) fail(err error) {
	t.log(err.Error())
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.failed = true
	if t.err == nil {
		t.err = err
	}
}

// FailNow marks the attempt failed and stops the test goroutine.
func (t *T) FailNow() {
	t.Fail()
	runtime.Goexit()
}

// Fatal is Error followed by FailNow.
func (t *T) Fatal(args ...any) {
	t.Error(args...)
	runtime.Goexit()
}

// Fatalf is Errorf followed by FailNow.
func (t *T) Fatalf(format string, args ...any) {
	t.Errorf(format, args...)
	runtime.Goexit()
}

// Check fails the attempt and stops the test when err is non-nil.
func (t *T) Check(err error) {
	if err != nil {
		t.fail(err)
		runtime.Goexit()
	}
}

// Skip records a reason, marks the attempt skipped and stops the test.
func (t *T) Skip(args ...any) {
	t.skip(trimNewline(fmt.Sprintln(args...)))
}

// Skipf is Skip with formatting.
func (t *T) Skipf(format string, args ...any) {
	t.skip(fmt.Sprintf(format, args...))
}

// SkipNow marks the attempt skipped and stops the test.
func (t *T) SkipNow() { t.skip("") }

func (t *T) skip(reason string) {
	t.mu.Lock()
	if !t.done {
		t.skipped = true
		if t.skipReason == "" {
			t.skipReason = reason
		}
	}
	t.mu.Unlock()
	runtime.Goexit()
}

// Failed reports whether the attempt has failed.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Skipped reports whether the attempt was skipped.
func (t *T) Skipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

// Attach adds an artifact to the attempt's result.
func (t *T) Attach(name, contentType string, data []byte) {
	t.res.Attach(result.Attachment{Name: name, ContentType: contentType, Data: data})
}

// Cleanup registers fn to run after the attempt's final listeners have
// been notified. Cleanups run last-in first-out.
func (t *T) Cleanup(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, fn)
}

// outcome freezes the attempt. Calls from goroutines that outlive a
// timeout no longer change the result.
func (t *T) outcome() (failed, skipped bool, err error, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return t.failed, t.skipped, t.err, t.skipReason
}

func (t *T) runCleanups() {
	t.mu.Lock()
	fns := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					obs.From(t.Context()).With("pkg", "harness").Error("cleanup_panic", "panic", fmt.Sprint(r))
				}
			}()
			fns[i]()
		}()
	}
}

// runPhase runs fn on its own goroutine so FailNow and Skip can stop it, and
// waits for it to return or for ctx to end. It reports false when ctx ended
// first.
func (t *T) runPhase(ctx context.Context, fn func(*T)) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				t.fail(errs.New(errs.Internal, fmt.Sprintf("panic: %v", r)))
			}
		}()
		fn(t)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}
