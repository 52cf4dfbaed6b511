package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/harness"
	"github.com/kuitang/webprobe/internal/obs"
)

// SessionFunc starts a browser session for one test attempt. The compiled
// suite closes it when the attempt ends.
type SessionFunc func(ctx context.Context) (*browser.Session, error)

// Compile turns f into a harness suite. Each attempt gets a fresh session
// from newSession, bound to the attempt's result so listeners such as the
// screenshot capturer can reach it.
func Compile(f *File, newSession SessionFunc) (*harness.Suite, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if newSession == nil {
		return nil, errs.New(errs.InvalidArgument, "scenario: nil session function")
	}

	suite := &harness.Suite{
		Name:     f.Suite,
		Parallel: f.Parallel,
		Timeout:  f.Timeout,
	}
	if f.Retries > 0 {
		suite.Retry = harness.MaxAttempts(f.Retries + 1)
	}

	suite.BeforeEach = func(t *harness.T) {
		ctx := t.Context()
		s, err := newSession(ctx)
		if err != nil {
			t.Check(errs.Wrap(errs.Unavailable, "start browser session: "+err.Error(), err))
		}
		browser.Bind(t.Result(), s)
		t.Cleanup(func() {
			if err := s.Close(); err != nil {
				obs.From(ctx).With("pkg", "scenario").Warn("session_close_failed", "test", t.Name(), "error", err)
			}
		})
		if len(f.BeforeEach) > 0 {
			t.Check(run(ctx, t, s, f.BeforeEach, f.BaseURL))
		}
	}
	if len(f.AfterEach) > 0 {
		suite.AfterEach = func(t *harness.T) {
			s, ok := browser.SessionOf(t.Result())
			if !ok {
				return
			}
			t.FailWith(run(t.Context(), t, s, f.AfterEach, f.BaseURL))
		}
	}

	for _, tc := range f.Tests {
		spec := &harness.TestSpec{
			Name:        tc.Name,
			Description: tc.Description,
			Groups:      mergeGroups(f.Groups, tc.Groups),
			Disabled:    tc.Disabled,
			Priority:    tc.Priority,
			DependsOn:   tc.DependsOn,
			Timeout:     tc.Timeout,
			Params:      tc.Params,
		}
		if tc.Retries != nil {
			spec.Retry = harness.MaxAttempts(*tc.Retries + 1)
		}
		steps := tc.Steps
		spec.Fn = func(t *harness.T) {
			s, ok := browser.SessionOf(t.Result())
			if !ok {
				t.Fatal("no browser session bound to this attempt")
			}
			t.Check(run(t.Context(), t, s, steps, f.BaseURL))
		}
		suite.Tests = append(suite.Tests, spec)
	}
	return suite, nil
}

// run executes steps on s. Screenshots become attachments of the attempt.
func run(ctx context.Context, t *harness.T, s *browser.Session, steps []Step, baseURL string) error {
	expand := expander(t.Result().Params)
	acts := s.Actions().OnScreenshot(func(shot browser.Shot) {
		t.Attach(shot.Name+".png", "image/png", shot.PNG)
	})
	appendSteps(acts, steps, baseURL, expand, time.Now)
	t.Logf("running %d steps", acts.Len())
	if err := acts.Do(ctx); err != nil {
		return fmt.Errorf("%s: %w", t.Name(), err)
	}
	return nil
}

func mergeGroups(suite, test []string) []string {
	if len(suite) == 0 {
		return test
	}
	seen := make(map[string]bool, len(suite)+len(test))
	var out []string
	for _, g := range append(append([]string(nil), suite...), test...) {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// CompileAll loads and compiles every path in order.
func CompileAll(paths []string, newSession SessionFunc) ([]*harness.Suite, error) {
	suites := make([]*harness.Suite, 0, len(paths))
	for _, p := range paths {
		f, err := Load(p)
		if err != nil {
			return nil, err
		}
		s, err := Compile(f, newSession)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}
	return suites, nil
}
