package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/wait"
)

// Element is a lazy locator. Every action looks the element up again, so
// handles never go stale between calls.
type Element struct {
	s     *Session
	by    driver.By
	index int
}

// By returns the locator.
func (e *Element) By() driver.By { return e.by }

func (e *Element) String() string {
	if e.index > 0 {
		return fmt.Sprintf("%s[%d]", e.by, e.index)
	}
	return e.by.String()
}

// resolve finds the element right now without waiting.
func (e *Element) resolve(ctx context.Context) (driver.Element, error) {
	els, err := e.s.eng.FindElements(ctx, e.by)
	if err != nil {
		return nil, err
	}
	if len(els) <= e.index {
		return nil, driver.Wrap(driver.ErrNoSuchElement, "find "+e.String(), nil)
	}
	return els[e.index], nil
}

// act resolves the element and runs fn, retrying both until the session
// timeout while failures are transient.
func (e *Element) act(ctx context.Context, op string, fn func(ctx context.Context, el driver.Element) error) error {
	if err := e.s.pace(ctx); err != nil {
		return err
	}
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		el, err := e.resolve(ctx)
		if err != nil {
			return false, err
		}
		if err := fn(ctx, el); err != nil {
			return false, err
		}
		return true, nil
	}, e.s.waitOpts(op+" "+e.String())...)
}

// read resolves the element and returns fn's value, retrying like act.
func read[T any](ctx context.Context, e *Element, op string, fn func(ctx context.Context, el driver.Element) (T, error)) (T, error) {
	return wait.Until(ctx, func(ctx context.Context) (T, bool, error) {
		var zero T
		el, err := e.resolve(ctx)
		if err != nil {
			return zero, false, err
		}
		v, err := fn(ctx, el)
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}, e.s.waitOpts(op+" "+e.String())...)
}

func (e *Element) Click(ctx context.Context) error {
	err := e.act(ctx, "click", func(ctx context.Context, el driver.Element) error {
		return el.Click(ctx)
	})
	e.s.logger(ctx).Debug("click", "locator", e.String(), "ok", err == nil)
	return err
}

// Type appends text to the element's current value.
func (e *Element) Type(ctx context.Context, text string) error {
	err := e.act(ctx, "type", func(ctx context.Context, el driver.Element) error {
		return el.Type(ctx, text)
	})
	e.s.logger(ctx).Debug("type",
		"locator", e.String(),
		"text", logutil.RedactTypedText(e.String(), text),
		"ok", err == nil,
	)
	return err
}

func (e *Element) Clear(ctx context.Context) error {
	return e.act(ctx, "clear", func(ctx context.Context, el driver.Element) error {
		return el.Clear(ctx)
	})
}

// SetValue replaces the element's value with text.
func (e *Element) SetValue(ctx context.Context, text string) error {
	if err := e.Clear(ctx); err != nil {
		return err
	}
	return e.Type(ctx, text)
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return read(ctx, e, "text of", func(ctx context.Context, el driver.Element) (string, error) {
		return el.Text(ctx)
	})
}

func (e *Element) Attribute(ctx context.Context, name string) (string, error) {
	return read(ctx, e, "attribute "+name+" of", func(ctx context.Context, el driver.Element) (string, error) {
		return el.Attribute(ctx, name)
	})
}

func (e *Element) Value(ctx context.Context) (string, error) {
	return read(ctx, e, "value of", func(ctx context.Context, el driver.Element) (string, error) {
		return el.Value(ctx)
	})
}

// Screenshot captures only this element as PNG.
func (e *Element) Screenshot(ctx context.Context) ([]byte, error) {
	return read(ctx, e, "screenshot of", func(ctx context.Context, el driver.Element) ([]byte, error) {
		return el.Screenshot(ctx)
	})
}

// Exists reports whether the element is in the page right now.
func (e *Element) Exists(ctx context.Context) (bool, error) {
	_, err := e.resolve(ctx)
	if errors.Is(err, driver.ErrNoSuchElement) {
		return false, nil
	}
	return err == nil, err
}

// IsVisible reports whether the element is present and displayed right now.
// Transient lookup failures count as not visible.
func (e *Element) IsVisible(ctx context.Context) (bool, error) {
	el, err := e.resolve(ctx)
	if err != nil {
		if driver.IsTransient(err) {
			return false, nil
		}
		return false, err
	}
	ok, err := el.IsDisplayed(ctx)
	if err != nil && driver.IsTransient(err) {
		return false, nil
	}
	return ok, err
}

// WaitVisible waits until the element is present and displayed.
func (e *Element) WaitVisible(ctx context.Context) error {
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		el, err := e.resolve(ctx)
		if err != nil {
			return false, err
		}
		return el.IsDisplayed(ctx)
	}, e.s.waitOpts("visible "+e.String())...)
}

// WaitHidden waits until the element is absent or not displayed.
func (e *Element) WaitHidden(ctx context.Context) error {
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		visible, err := e.IsVisible(ctx)
		return !visible, err
	}, e.s.waitOpts("hidden "+e.String())...)
}

// WaitEnabled waits until the element is present and enabled.
func (e *Element) WaitEnabled(ctx context.Context) error {
	return wait.For(ctx, func(ctx context.Context) (bool, error) {
		el, err := e.resolve(ctx)
		if err != nil {
			return false, err
		}
		return el.IsEnabled(ctx)
	}, e.s.waitOpts("enabled "+e.String())...)
}

// WaitText waits until the element's text contains want and returns the
// full text.
func (e *Element) WaitText(ctx context.Context, want string) (string, error) {
	return wait.Until(ctx, func(ctx context.Context) (string, bool, error) {
		el, err := e.resolve(ctx)
		if err != nil {
			return "", false, err
		}
		got, err := el.Text(ctx)
		if err != nil {
			return "", false, err
		}
		return got, strings.Contains(got, want), nil
	}, e.s.waitOpts(fmt.Sprintf("text %q in %s", want, e))...)
}
