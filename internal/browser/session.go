// Package browser is the fluent API tests use to drive a page: lazy element
// locators that re-resolve and retry on transient failures, action chains,
// cookie management and page metrics on top of a driver.Engine.
package browser

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/urlutil"
	"github.com/kuitang/webprobe/internal/wait"
	"golang.org/x/time/rate"
)

// Options tune a Session.
type Options struct {
	// BaseURL resolves relative paths passed to Open.
	BaseURL string
	// Timeout bounds element waits. Zero or negative uses wait.DefaultTimeout.
	Timeout time.Duration
	// PollInterval is the delay between lookups while waiting.
	PollInterval time.Duration
	// ActionsPerSecond throttles navigation and element actions. Zero
	// disables pacing.
	ActionsPerSecond float64
}

// Session is one browser page plus the options used to drive it. A Session
// is safe for use by one test at a time; the MCP server serializes access.
type Session struct {
	eng     driver.Engine
	opts    Options
	limiter *rate.Limiter

	closeOnce sync.Once
	closeErr  error
}

// New wraps an open engine.
func New(eng driver.Engine, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = wait.DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = wait.DefaultInterval
	}
	s := &Session{eng: eng, opts: opts}
	if opts.ActionsPerSecond > 0 {
		burst := int(opts.ActionsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.ActionsPerSecond), burst)
	}
	return s
}

// Start opens an engine from the driver registry and wraps it.
func Start(ctx context.Context, dopts driver.Options, opts Options) (*Session, error) {
	eng, err := driver.Open(ctx, dopts)
	if err != nil {
		return nil, err
	}
	return New(eng, opts), nil
}

// Engine returns the underlying engine.
func (s *Session) Engine() driver.Engine { return s.eng }

// Options returns the effective options.
func (s *Session) Options() Options { return s.opts }

func (s *Session) logger(ctx context.Context) *slog.Logger {
	return obs.From(ctx).With("pkg", "browser", "engine", s.eng.Name())
}

// pace blocks until the action limiter admits one more action.
func (s *Session) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Session) waitOpts(msg string) []wait.Option {
	return []wait.Option{
		wait.Timeout(s.opts.Timeout),
		wait.Interval(s.opts.PollInterval),
		wait.WithMessage(msg),
	}
}

// Open navigates to path, resolved against BaseURL when relative.
func (s *Session) Open(ctx context.Context, path string) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	target := urlutil.BuildAbsolute(s.opts.BaseURL, path)
	if target == "" {
		return errs.New(errs.InvalidArgument, "browser: empty URL")
	}
	start := time.Now()
	if err := s.eng.Navigate(ctx, target); err != nil {
		s.logger(ctx).Warn("navigate_failed", "url", target, "error", err)
		return err
	}
	s.logger(ctx).Info("navigated", "url", target, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Session) Reload(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	return s.eng.Refresh(ctx)
}

func (s *Session) Back(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	return s.eng.Back(ctx)
}

func (s *Session) Forward(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}
	return s.eng.Forward(ctx)
}

func (s *Session) Title(ctx context.Context) (string, error) { return s.eng.Title(ctx) }

func (s *Session) URL(ctx context.Context) (string, error) { return s.eng.CurrentURL(ctx) }

func (s *Session) Source(ctx context.Context) (string, error) { return s.eng.PageSource(ctx) }

// Find returns a lazy locator. Nothing is looked up until an action runs.
func (s *Session) Find(by driver.By) *Element {
	return &Element{s: s, by: by}
}

// FindAll returns one locator per element currently matching by. Each
// locator re-resolves to the same position on later calls.
func (s *Session) FindAll(ctx context.Context, by driver.By) ([]*Element, error) {
	els, err := s.eng.FindElements(ctx, by)
	if err != nil {
		return nil, err
	}
	out := make([]*Element, len(els))
	for i := range els {
		out[i] = &Element{s: s, by: by, index: i}
	}
	return out, nil
}

// ExecuteScript runs a JavaScript function body; see driver.Engine.
func (s *Session) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	return s.eng.ExecuteScript(ctx, script, args...)
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.eng.Screenshot(ctx)
}

// WaitTitle waits until the page title equals want.
func (s *Session) WaitTitle(ctx context.Context, want string) error {
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		got, err := s.eng.Title(ctx)
		return err == nil && got == want, err
	}, s.waitOpts("title "+want)...)
}

// WaitURL waits until the current URL contains substr.
func (s *Session) WaitURL(ctx context.Context, substr string) error {
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		got, err := s.eng.CurrentURL(ctx)
		return err == nil && strings.Contains(got, substr), err
	}, s.waitOpts("url containing "+substr)...)
}

// Cookies returns the cookie manager for this session.
func (s *Session) Cookies() *CookieManager { return &CookieManager{s: s} }

// Actions starts an action chain.
func (s *Session) Actions() *Actions { return &Actions{s: s} }

// Close ends the browser session. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.eng.Close()
	})
	return s.closeErr
}
