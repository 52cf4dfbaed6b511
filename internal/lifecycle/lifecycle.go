// Package lifecycle fans run callbacks out to any number of listeners.
//
// Listeners are plain values that implement one or more of the small
// interfaces below. A Composite accepts them through a single Register call
// and delivers each callback only to the listeners that implement it.
package lifecycle

import (
	"context"

	"github.com/kuitang/webprobe/internal/result"
)

// ExecutionListener observes a whole runner execution.
type ExecutionListener interface {
	OnExecutionStart(ctx context.Context, run *result.RunInfo)
	OnExecutionFinish(ctx context.Context, run *result.RunInfo)
}

// SuiteListener observes suites.
type SuiteListener interface {
	OnSuiteStart(ctx context.Context, suite *result.SuiteInfo)
	OnSuiteFinish(ctx context.Context, suite *result.SuiteInfo)
}

// TestListener observes test attempts.
type TestListener interface {
	OnTestStart(ctx context.Context, res *result.TestResult)
	OnTestSuccess(ctx context.Context, res *result.TestResult)
	OnTestFailure(ctx context.Context, res *result.TestResult)
	OnTestSkipped(ctx context.Context, res *result.TestResult)
}

// RetryListener is told about failed attempts that will be retried.
type RetryListener interface {
	OnTestRetry(ctx context.Context, res *result.TestResult)
}

// ConfigurationListener observes setup and teardown hooks. The result's
// Name is the hook name, e.g. "BeforeAll".
type ConfigurationListener interface {
	OnConfigurationSuccess(ctx context.Context, res *result.TestResult)
	OnConfigurationFailure(ctx context.Context, res *result.TestResult)
}

// InvocationListener wraps every test attempt, including hooks around it.
type InvocationListener interface {
	BeforeInvocation(ctx context.Context, res *result.TestResult)
	AfterInvocation(ctx context.Context, res *result.TestResult)
}

// implementsAny reports whether l implements at least one listener interface.
// The harness adds its own interfaces through extraKinds.
func implementsAny(l any) bool {
	switch l.(type) {
	case ExecutionListener, SuiteListener, TestListener, RetryListener,
		ConfigurationListener, InvocationListener:
		return true
	}
	for _, kind := range extraKinds() {
		if kind(l) {
			return true
		}
	}
	return false
}
