// Package harness runs browser test suites: ordering, hooks, timeouts,
// retries and listener dispatch. Tests are plain functions that receive a
// *T, in the manner of the testing package.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/lifecycle"
	"github.com/kuitang/webprobe/internal/result"
)

// TestSpec declares one test.
type TestSpec struct {
	Name        string
	Description string
	Groups      []string
	Fn          func(t *T)

	// Retry decides whether a failed attempt runs again. Nil falls back to
	// the suite's analyzer, then the runner's.
	Retry RetryAnalyzer

	// Timeout bounds one attempt. Zero falls back to the suite's timeout,
	// then the runner's; zero everywhere means no timeout.
	Timeout time.Duration

	// Disabled tests are reported as skipped without running.
	Disabled bool

	// Priority orders tests inside a suite, lowest first. Ties keep
	// declaration order.
	Priority int

	// DependsOn names tests in the same suite that must pass first.
	DependsOn []string

	Params map[string]string
}

// Suite groups tests that share hooks.
type Suite struct {
	Name  string
	Tests []*TestSpec

	BeforeAll func(ctx context.Context) error
	AfterAll  func(ctx context.Context) error

	// BeforeEach and AfterEach run inside every attempt and may fail it.
	BeforeEach func(t *T)
	AfterEach  func(t *T)

	// Parallel bounds how many tests of the suite run at once. Values below
	// 2 run tests sequentially.
	Parallel int

	Retry   RetryAnalyzer
	Timeout time.Duration
}

// Add appends a test and returns the suite for chaining.
func (s *Suite) Add(name string, fn func(t *T)) *Suite {
	s.Tests = append(s.Tests, &TestSpec{Name: name, Fn: fn})
	return s
}

func (s *Suite) validate() error {
	if s == nil {
		return errs.New(errs.InvalidArgument, "harness: nil suite")
	}
	if s.Name == "" {
		return errs.New(errs.InvalidArgument, "harness: suite name is required")
	}
	seen := make(map[string]bool, len(s.Tests))
	for i, spec := range s.Tests {
		if spec == nil {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("harness: suite %q test %d is nil", s.Name, i))
		}
		if spec.Name == "" {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("harness: suite %q test %d has no name", s.Name, i))
		}
		if seen[spec.Name] {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("harness: suite %q has duplicate test %q", s.Name, spec.Name))
		}
		seen[spec.Name] = true
		if spec.Fn == nil {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("harness: test %q has no function", spec.Name))
		}
	}
	return nil
}

// =============================================================================
// Retry analyzers
// =============================================================================

// RetryAnalyzer decides whether a failed attempt should run again. res is
// the attempt that just failed; res.Attempt starts at 1.
type RetryAnalyzer interface {
	Retry(res *result.TestResult) bool
}

// RetryFunc adapts a function to RetryAnalyzer.
type RetryFunc func(res *result.TestResult) bool

func (f RetryFunc) Retry(res *result.TestResult) bool { return f(res) }

// NoRetry never retries.
var NoRetry RetryAnalyzer = RetryFunc(func(*result.TestResult) bool { return false })

// MaxAttempts allows up to n attempts per test. MaxAttempts(1) never retries.
func MaxAttempts(n int) RetryAnalyzer {
	return RetryFunc(func(res *result.TestResult) bool {
		return res.Attempt < n
	})
}

// RetryOn allows up to n attempts, retrying only failures whose error
// satisfies pred.
func RetryOn(n int, pred func(err error) bool) RetryAnalyzer {
	return RetryFunc(func(res *result.TestResult) bool {
		if res.Attempt >= n {
			return false
		}
		return pred(res.Err)
	})
}

// RetryOnErrors allows up to n attempts for failures matching any of targets.
func RetryOnErrors(n int, targets ...error) RetryAnalyzer {
	return RetryOn(n, func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	})
}

// hardAttemptLimit stops analyzers that never say no.
const hardAttemptLimit = 100

// ResultTransformer adjusts test declarations before a run starts. It is
// registered with the runner's listeners like any other listener and may
// assign analyzers, disable tests, or add groups and params. It works on a
// per-run copy of each TestSpec.
type ResultTransformer interface {
	TransformTest(spec *TestSpec)
}

func init() {
	lifecycle.RegisterKind(func(l any) bool {
		_, ok := l.(ResultTransformer)
		return ok
	})
}
