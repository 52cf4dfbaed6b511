package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/logutil"
)

// ErrAssertion marks a failed page assertion.
var ErrAssertion = errors.New("assertion failed")

// StepError reports which step of an action chain failed.
type StepError struct {
	Index int // zero-based
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Shot is a screenshot captured by an action chain.
type Shot struct {
	Name string
	PNG  []byte
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Actions is a chain of steps run in order by Do. Building a chain has no
// side effects.
type Actions struct {
	s      *Session
	steps  []step
	onShot func(Shot)
	shots  []Shot
}

func (a *Actions) add(name string, fn func(ctx context.Context) error) *Actions {
	a.steps = append(a.steps, step{name: name, fn: fn})
	return a
}

// OnScreenshot receives screenshots taken by Screenshot steps as they are
// captured.
func (a *Actions) OnScreenshot(fn func(Shot)) *Actions {
	a.onShot = fn
	return a
}

func (a *Actions) Open(path string) *Actions {
	return a.add("open "+path, func(ctx context.Context) error { return a.s.Open(ctx, path) })
}

func (a *Actions) Reload() *Actions {
	return a.add("reload", a.s.Reload)
}

func (a *Actions) Back() *Actions {
	return a.add("back", a.s.Back)
}

func (a *Actions) Click(by driver.By) *Actions {
	return a.add("click "+by.String(), a.s.Find(by).Click)
}

func (a *Actions) Type(by driver.By, text string) *Actions {
	return a.add("type "+by.String(), func(ctx context.Context) error { return a.s.Find(by).Type(ctx, text) })
}

func (a *Actions) SetValue(by driver.By, text string) *Actions {
	return a.add("set "+by.String(), func(ctx context.Context) error { return a.s.Find(by).SetValue(ctx, text) })
}

func (a *Actions) Clear(by driver.By) *Actions {
	return a.add("clear "+by.String(), a.s.Find(by).Clear)
}

func (a *Actions) WaitVisible(by driver.By) *Actions {
	return a.add("wait visible "+by.String(), a.s.Find(by).WaitVisible)
}

func (a *Actions) WaitHidden(by driver.By) *Actions {
	return a.add("wait hidden "+by.String(), a.s.Find(by).WaitHidden)
}

// AssertText waits for the element's text to contain want.
func (a *Actions) AssertText(by driver.By, want string) *Actions {
	return a.add("assert text "+by.String(), func(ctx context.Context) error {
		el := a.s.Find(by)
		if _, err := el.WaitText(ctx, want); err != nil {
			if !errors.Is(err, driver.ErrTimeout) {
				return err
			}
			got, _ := el.resolveText(ctx)
			return fmt.Errorf("%w: text of %s is %q, want it to contain %q", ErrAssertion, by, got, want)
		}
		return nil
	})
}

// AssertTitle waits for the page title to equal want.
func (a *Actions) AssertTitle(want string) *Actions {
	return a.add("assert title", func(ctx context.Context) error {
		if err := a.s.WaitTitle(ctx, want); err != nil {
			if !errors.Is(err, driver.ErrTimeout) {
				return err
			}
			got, _ := a.s.Title(ctx)
			return fmt.Errorf("%w: title is %q, want %q", ErrAssertion, got, want)
		}
		return nil
	})
}

// AssertURL waits for the current URL to contain substr.
func (a *Actions) AssertURL(substr string) *Actions {
	return a.add("assert url", func(ctx context.Context) error {
		if err := a.s.WaitURL(ctx, substr); err != nil {
			if !errors.Is(err, driver.ErrTimeout) {
				return err
			}
			got, _ := a.s.URL(ctx)
			return fmt.Errorf("%w: url is %q, want it to contain %q", ErrAssertion, got, substr)
		}
		return nil
	})
}

// Screenshot captures the viewport under name.
func (a *Actions) Screenshot(name string) *Actions {
	return a.add("screenshot "+name, func(ctx context.Context) error {
		png, err := a.s.Screenshot(ctx)
		if err != nil {
			return err
		}
		shot := Shot{Name: name, PNG: png}
		a.shots = append(a.shots, shot)
		if a.onShot != nil {
			a.onShot(shot)
		}
		return nil
	})
}

// Script runs JavaScript and discards the result.
func (a *Actions) Script(script string, args ...any) *Actions {
	name := "script"
	if first, _, _ := strings.Cut(strings.TrimSpace(script), "\n"); first != "" {
		name += " " + logutil.TruncateForLog(first, 40)
	}
	return a.add(name, func(ctx context.Context) error {
		_, err := a.s.ExecuteScript(ctx, script, args...)
		return err
	})
}

func (a *Actions) SetCookie(c driver.Cookie) *Actions {
	return a.add("set cookie "+c.Name, func(ctx context.Context) error { return a.s.Cookies().Add(ctx, c) })
}

func (a *Actions) ClearCookies() *Actions {
	return a.add("clear cookies", func(ctx context.Context) error { return a.s.Cookies().Clear(ctx) })
}

// Sleep pauses the chain for d.
func (a *Actions) Sleep(d time.Duration) *Actions {
	return a.add("sleep "+d.String(), func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})
}

// Then appends a custom step.
func (a *Actions) Then(name string, fn func(ctx context.Context, s *Session) error) *Actions {
	return a.add(name, func(ctx context.Context) error { return fn(ctx, a.s) })
}

// Len returns the number of steps.
func (a *Actions) Len() int { return len(a.steps) }

// Screenshots returns the shots captured by the last Do.
func (a *Actions) Screenshots() []Shot { return a.shots }

// Do runs the steps in order and stops at the first error, returned as a
// *StepError.
func (a *Actions) Do(ctx context.Context) error {
	a.shots = nil
	log := a.s.logger(ctx)
	for i, st := range a.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Step: st.name, Err: err}
		}
		if err := st.fn(ctx); err != nil {
			log.Warn("action_failed", "step", i+1, "action", st.name, "error", err)
			return &StepError{Index: i, Step: st.name, Err: err}
		}
		log.Debug("action", "step", i+1, "action", st.name)
	}
	return nil
}

func (e *Element) resolveText(ctx context.Context) (string, error) {
	el, err := e.resolve(ctx)
	if err != nil {
		return "", err
	}
	return el.Text(ctx)
}
