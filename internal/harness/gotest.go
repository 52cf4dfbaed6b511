package harness

import (
	"context"
	"testing"

	"github.com/kuitang/webprobe/internal/result"
)

// RunT runs suite and mirrors every final result as a subtest of t, so
// browser suites run under go test with the usual pass, fail and skip
// reporting. Retried attempts are logged on the subtest.
func RunT(t *testing.T, suite *Suite, opts ...Option) *result.RunInfo {
	t.Helper()

	ctx := context.Background()
	if deadline, ok := t.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	run, err := NewRunner(opts...).Run(ctx, suite)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}

	retries := make(map[string][]*result.TestResult)
	for _, res := range run.Results() {
		if res.Status == result.Retried {
			retries[res.Name] = append(retries[res.Name], res)
		}
	}

	for _, info := range run.Suites {
		for _, res := range info.Results {
			t.Run(res.Name, func(st *testing.T) {
				for _, prev := range retries[res.Name] {
					st.Logf("attempt %d failed: %s", prev.Attempt, prev.ErrorText())
				}
				for _, line := range res.Logs {
					st.Log(line)
				}
				switch res.Status {
				case result.Failed:
					st.Errorf("attempt %d failed: %s", res.Attempt, res.ErrorText())
				case result.Skipped:
					st.Skip(res.SkipReason)
				}
			})
		}
	}
	return run
}
