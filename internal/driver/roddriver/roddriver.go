// Package roddriver drives Chromium over the DevTools protocol with go-rod.
package roddriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
)

// EngineName is the registry name of this adapter.
const EngineName = "rod"

const actionTimeout = 2 * time.Second

func init() {
	driver.Register(EngineName, Open)
}

// Engine is one rod page.
type Engine struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	timeout  time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Engine = (*Engine)(nil)

// Open launches a local Chromium, or connects to opts.RemoteURL (a
// DevTools websocket or http endpoint), and opens a blank page.
func Open(ctx context.Context, opts driver.Options) (driver.Engine, error) {
	opts = opts.WithDefaults()
	switch opts.Browser {
	case "chromium", "chrome":
	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("rod: unsupported browser %q", opts.Browser))
	}

	var (
		controlURL string
		l          *launcher.Launcher
		err        error
	)
	if opts.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(opts.RemoteURL)
	} else {
		l = launcher.New().Headless(opts.Headless)
		controlURL, err = l.Launch()
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "rod: start browser", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, errs.Wrap(errs.Unavailable, "rod: connect", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, errs.Wrap(errs.Unavailable, "rod: create page", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.ViewportWidth,
		Height:            opts.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, errs.Wrap(errs.Unavailable, "rod: set viewport", err)
	}

	return &Engine{browser: browser, page: page, launcher: l, timeout: opts.Timeout}, nil
}

func (e *Engine) Name() string { return EngineName }

// Page exposes the underlying page.
func (e *Engine) Page() *rod.Page { return e.page }

// p binds the page to ctx and the engine's operation timeout.
func (e *Engine) p(ctx context.Context) *rod.Page {
	return e.page.Context(ctx).Timeout(e.timeout)
}

func (e *Engine) Navigate(ctx context.Context, url string) error {
	page := e.p(ctx)
	if err := page.Navigate(url); err != nil {
		return classify("navigate "+url, err)
	}
	return classify("navigate "+url, page.WaitLoad())
}

func (e *Engine) CurrentURL(ctx context.Context) (string, error) {
	info, err := e.p(ctx).Info()
	if err != nil {
		return "", classify("url", err)
	}
	return info.URL, nil
}

func (e *Engine) Title(ctx context.Context) (string, error) {
	info, err := e.p(ctx).Info()
	if err != nil {
		return "", classify("title", err)
	}
	return info.Title, nil
}

func (e *Engine) PageSource(ctx context.Context) (string, error) {
	html, err := e.p(ctx).HTML()
	return html, classify("source", err)
}

func (e *Engine) Back(ctx context.Context) error {
	return classify("back", e.p(ctx).NavigateBack())
}

func (e *Engine) Forward(ctx context.Context) error {
	return classify("forward", e.p(ctx).NavigateForward())
}

func (e *Engine) Refresh(ctx context.Context) error {
	return classify("refresh", e.p(ctx).Reload())
}

// FindElements queries the DOM once; rod's Elements and ElementsX do not wait.
func (e *Engine) FindElements(ctx context.Context, by driver.By) ([]driver.Element, error) {
	page := e.p(ctx)
	var (
		els rod.Elements
		err error
	)
	if css, ok := by.CSSSelector(); ok {
		els, err = page.Elements(css)
	} else if xp, ok := by.XPathExpr(); ok {
		els, err = page.ElementsX(xp)
	} else {
		return nil, driver.Wrap(driver.ErrUnsupported, "find "+by.String(), nil)
	}
	if err != nil {
		return nil, classify("find "+by.String(), err)
	}
	out := make([]driver.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el, by: by})
	}
	return out, nil
}

func (e *Engine) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	js := "function() {\n" + script + "\n}"
	obj, err := e.p(ctx).Eval(js, args...)
	if err != nil {
		return nil, classify("script", err)
	}
	return obj.Value.Val(), nil
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.p(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	return data, classify("screenshot", err)
}

func (e *Engine) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	cookies, err := e.p(ctx).Cookies(nil)
	if err != nil {
		return nil, classify("cookies", err)
	}
	out := make([]driver.Cookie, 0, len(cookies))
	for _, c := range cookies {
		dc := driver.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		}
		if c.Expires > 0 {
			dc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, dc)
	}
	return out, nil
}

func (e *Engine) AddCookie(ctx context.Context, c driver.Cookie) error {
	page := e.p(ctx)
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
	}
	if c.Domain == "" {
		info, err := page.Info()
		if err != nil {
			return classify("add cookie "+c.Name, err)
		}
		param.URL = info.URL
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
	}
	return classify("add cookie "+c.Name, page.SetCookies([]*proto.NetworkCookieParam{param}))
}

func (e *Engine) DeleteCookie(ctx context.Context, name string) error {
	page := e.p(ctx)
	info, err := page.Info()
	if err != nil {
		return classify("delete cookie "+name, err)
	}
	return classify("delete cookie "+name, proto.NetworkDeleteCookies{Name: name, URL: info.URL}.Call(page))
}

func (e *Engine) ClearCookies(ctx context.Context) error {
	return classify("clear cookies", proto.NetworkClearBrowserCookies{}.Call(e.p(ctx)))
}

// Close closes the browser and kills a locally launched process.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.browser.Close()
		if e.launcher != nil {
			e.launcher.Kill()
		}
	})
	return e.closeErr
}

// classify maps rod errors onto driver sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound   *rod.ElementNotFoundError
		notInter   *rod.NotInteractableError
		invisible  *rod.InvisibleShapeError
		covered    *rod.CoveredError
		objMissing *rod.ObjectNotFoundError
	)
	switch {
	case errors.As(err, &notFound):
		return driver.Wrap(driver.ErrNoSuchElement, op, err)
	case errors.As(err, &covered):
		return driver.Wrap(driver.ErrClickIntercepted, op, err)
	case errors.As(err, &invisible):
		return driver.Wrap(driver.ErrNotVisible, op, err)
	case errors.As(err, &notInter):
		return driver.Wrap(driver.ErrNotInteractable, op, err)
	case errors.As(err, &objMissing):
		return driver.Wrap(driver.ErrStaleElement, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return driver.Wrap(driver.ErrTimeout, op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "cannot find context"),
		strings.Contains(msg, "node is detached"):
		return driver.Wrap(driver.ErrStaleElement, op, err)
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "session with given id not found"):
		return driver.Wrap(driver.ErrSessionClosed, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
