// Package wait polls a condition until it holds, a hard error occurs or a
// deadline passes. Browser element lookups and assertions are built on it.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/obs"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

type config struct {
	interval time.Duration
	timeout  time.Duration
	ignore   func(error) bool
	extra    []error
	message  string
}

// Option configures Until.
type Option func(*config)

// Interval sets the delay between polls. Non-positive values use
// DefaultInterval.
func Interval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// Timeout bounds the whole wait. Zero uses DefaultTimeout; negative values
// time out without polling.
func Timeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Ignoring masks additional errors matched with errors.Is.
func Ignoring(errs ...error) Option {
	return func(c *config) { c.extra = append(c.extra, errs...) }
}

// IgnoringFunc replaces the masking predicate. The default is
// driver.IsTransient.
func IgnoringFunc(fn func(error) bool) Option {
	return func(c *config) { c.ignore = fn }
}

// WithMessage describes what is being waited for.
func WithMessage(msg string) Option {
	return func(c *config) { c.message = msg }
}

func (c *config) ignored(err error) bool {
	if c.ignore != nil && c.ignore(err) {
		return true
	}
	for _, target := range c.extra {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TimeoutError reports a condition that never held.
type TimeoutError struct {
	Message  string
	Elapsed  time.Duration
	Attempts int
	// LastErr is the last masked error, nil if the condition simply kept
	// reporting not done.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "condition"
	}
	s := fmt.Sprintf("timed out after %s waiting for %s (%d attempts)", e.Elapsed.Round(time.Millisecond), msg, e.Attempts)
	if e.LastErr != nil {
		s += ": " + e.LastErr.Error()
	}
	return s
}

func (e *TimeoutError) Is(target error) bool { return target == driver.ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.LastErr }

var errNotYet = errors.New("wait: not yet")

// Until polls cond until it reports done. Errors that the ignore predicate
// masks are retried; any other error is returned immediately. Cancellation
// of ctx is returned as ctx.Err().
func Until[T any](ctx context.Context, cond func(ctx context.Context) (T, bool, error), opts ...Option) (T, error) {
	c := config{ignore: driver.IsTransient}
	for _, opt := range opts {
		opt(&c)
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		attempts int
		lastErr  error
		hardErr  error
	)
	v, err := retry.DoWithData(func() (T, error) {
		attempts++
		v, done, err := cond(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
				return v, err
			}
			if c.ignored(err) {
				lastErr = err
				return v, err
			}
			hardErr = err
			return v, retry.Unrecoverable(err)
		}
		if !done {
			return v, errNotYet
		}
		return v, nil
	},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(c.interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return err == errNotYet || c.ignored(err)
		}),
	)
	if err == nil {
		return v, nil
	}

	var zero T
	if hardErr != nil {
		return zero, hardErr
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if waitCtx.Err() == nil && !errors.Is(err, errNotYet) && !c.ignored(err) {
		return zero, err
	}

	te := &TimeoutError{
		Message:  c.message,
		Elapsed:  time.Since(start),
		Attempts: attempts,
		LastErr:  lastErr,
	}
	obs.From(ctx).With("pkg", "wait").Debug("wait_timeout",
		"what", c.message,
		"attempts", attempts,
		"elapsed_ms", te.Elapsed.Milliseconds(),
		"last_err", errString(lastErr),
	)
	return zero, te
}

// For is Until for conditions without a value.
func For(ctx context.Context, cond func(ctx context.Context) (bool, error), opts ...Option) error {
	_, err := Until(ctx, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := cond(ctx)
		return struct{}{}, ok, err
	}, opts...)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
