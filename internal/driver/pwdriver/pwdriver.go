// Package pwdriver drives browsers through playwright-go.
package pwdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/playwright-community/playwright-go"
)

// EngineName is the registry name of this adapter.
const EngineName = "playwright"

// actionTimeout bounds single element actions. Longer waits belong to the
// caller's polling loop.
const actionTimeout = 2 * time.Second

func init() {
	driver.Register(EngineName, Open)
}

// Engine is a single Playwright page in its own browser context.
type Engine struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	opts    driver.Options

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Engine = (*Engine)(nil)

// Open starts Playwright, launches (or connects to) a browser and opens a page.
func Open(ctx context.Context, opts driver.Options) (driver.Engine, error) {
	opts = opts.WithDefaults()

	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "playwright not available", err)
	}

	var bt playwright.BrowserType
	switch opts.Browser {
	case "chromium", "chrome":
		bt = pw.Chromium
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		_ = pw.Stop()
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("playwright: unsupported browser %q", opts.Browser))
	}

	var browser playwright.Browser
	if opts.RemoteURL != "" {
		browser, err = bt.Connect(opts.RemoteURL)
	} else {
		launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(opts.Headless)}
		if opts.Browser == "chrome" {
			launch.Channel = playwright.String("chrome")
		}
		browser, err = bt.Launch(launch)
	}
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "launch "+opts.Browser, err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: opts.ViewportWidth, Height: opts.ViewportHeight},
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "new browser context", err)
	}
	ms := float64(opts.Timeout.Milliseconds())
	bctx.SetDefaultTimeout(ms)
	bctx.SetDefaultNavigationTimeout(ms)

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "new page", err)
	}
	return &Engine{pw: pw, browser: browser, bctx: bctx, page: page, opts: opts}, nil
}

func (e *Engine) Name() string { return EngineName }

// Page exposes the underlying page for callers that need Playwright directly.
func (e *Engine) Page() playwright.Page { return e.page }

func (e *Engine) Navigate(ctx context.Context, url string) error {
	_, err := e.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return classify("navigate "+url, err)
}

func (e *Engine) CurrentURL(ctx context.Context) (string, error) {
	if e.page.IsClosed() {
		return "", driver.Wrap(driver.ErrSessionClosed, "url", nil)
	}
	return e.page.URL(), nil
}

func (e *Engine) Title(ctx context.Context) (string, error) {
	title, err := e.page.Title()
	return title, classify("title", err)
}

func (e *Engine) PageSource(ctx context.Context) (string, error) {
	content, err := e.page.Content()
	return content, classify("source", err)
}

func (e *Engine) Back(ctx context.Context) error {
	_, err := e.page.GoBack()
	return classify("back", err)
}

func (e *Engine) Forward(ctx context.Context) error {
	_, err := e.page.GoForward()
	return classify("forward", err)
}

func (e *Engine) Refresh(ctx context.Context) error {
	_, err := e.page.Reload()
	return classify("refresh", err)
}

// FindElements resolves by without waiting. Each returned element is an
// nth-match locator, so it re-resolves on every action.
func (e *Engine) FindElements(ctx context.Context, by driver.By) ([]driver.Element, error) {
	sel := selector(by)
	loc := e.page.Locator(sel)
	n, err := loc.Count()
	if err != nil {
		return nil, classify("find "+by.String(), err)
	}
	out := make([]driver.Element, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &element{loc: loc.Nth(i), by: by})
	}
	return out, nil
}

// selector maps a By onto Playwright's selector engines.
func selector(by driver.By) string {
	switch by.Strategy {
	case driver.StrategyXPath:
		return "xpath=" + by.Value
	case driver.StrategyText:
		return "text=" + by.Value
	}
	if css, ok := by.CSSSelector(); ok {
		return "css=" + css
	}
	return by.Value
}

// wrapScript turns a function body into an expression Playwright can
// evaluate with the arguments array.
func wrapScript(body string) string {
	return "(args) => (function() {\n" + body + "\n}).apply(null, args)"
}

func (e *Engine) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	v, err := e.page.Evaluate(wrapScript(script), args)
	return v, classify("script", err)
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	return data, classify("screenshot", err)
}

func (e *Engine) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	cookies, err := e.bctx.Cookies()
	if err != nil {
		return nil, classify("cookies", err)
	}
	out := make([]driver.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, fromPlaywright(c))
	}
	return out, nil
}

func (e *Engine) AddCookie(ctx context.Context, c driver.Cookie) error {
	oc := toPlaywright(c)
	if oc.Domain == nil && oc.URL == nil {
		oc.URL = playwright.String(e.page.URL())
		oc.Path = nil
	}
	return classify("add cookie "+c.Name, e.bctx.AddCookies([]playwright.OptionalCookie{oc}))
}

// DeleteCookie clears the jar and restores every other cookie.
func (e *Engine) DeleteCookie(ctx context.Context, name string) error {
	cookies, err := e.bctx.Cookies()
	if err != nil {
		return classify("delete cookie "+name, err)
	}
	if err := e.bctx.ClearCookies(); err != nil {
		return classify("delete cookie "+name, err)
	}
	keep := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != name {
			keep = append(keep, toPlaywright(fromPlaywright(c)))
		}
	}
	if len(keep) == 0 {
		return nil
	}
	return classify("delete cookie "+name, e.bctx.AddCookies(keep))
}

func (e *Engine) ClearCookies(ctx context.Context) error {
	return classify("clear cookies", e.bctx.ClearCookies())
}

// Close tears down page, context, browser and the driver process. Safe to
// call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errsSeen []error
		if err := e.bctx.Close(); err != nil {
			errsSeen = append(errsSeen, err)
		}
		if err := e.browser.Close(); err != nil {
			errsSeen = append(errsSeen, err)
		}
		if err := e.pw.Stop(); err != nil {
			errsSeen = append(errsSeen, err)
		}
		e.closeErr = errors.Join(errsSeen...)
	})
	return e.closeErr
}

func fromPlaywright(c playwright.Cookie) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
	}
	if c.Expires > 0 {
		out.Expires = time.Unix(int64(c.Expires), 0).UTC()
	}
	if c.SameSite != nil {
		out.SameSite = string(*c.SameSite)
	}
	return out
}

func toPlaywright(c driver.Cookie) playwright.OptionalCookie {
	oc := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		HttpOnly: playwright.Bool(c.HTTPOnly),
		Secure:   playwright.Bool(c.Secure),
	}
	if c.Domain != "" {
		oc.Domain = playwright.String(c.Domain)
		path := c.Path
		if path == "" {
			path = "/"
		}
		oc.Path = playwright.String(path)
	}
	if !c.Expires.IsZero() {
		oc.Expires = playwright.Float(float64(c.Expires.Unix()))
	}
	switch strings.ToLower(c.SameSite) {
	case "strict":
		oc.SameSite = playwright.SameSiteAttributeStrict
	case "lax":
		oc.SameSite = playwright.SameSiteAttributeLax
	case "none":
		oc.SameSite = playwright.SameSiteAttributeNone
	}
	return oc
}

// classify maps Playwright errors onto driver sentinels. Playwright reports
// most element problems as timeouts with a descriptive log, so the message
// decides the kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "target closed"),
		strings.Contains(msg, "has been closed"),
		strings.Contains(msg, "browser has disconnected"):
		return driver.Wrap(driver.ErrSessionClosed, op, err)
	case strings.Contains(msg, "intercepts pointer events"):
		return driver.Wrap(driver.ErrClickIntercepted, op, err)
	case strings.Contains(msg, "not attached to the dom"),
		strings.Contains(msg, "element is detached"):
		return driver.Wrap(driver.ErrStaleElement, op, err)
	case strings.Contains(msg, "element is not visible"):
		return driver.Wrap(driver.ErrNotVisible, op, err)
	case strings.Contains(msg, "element is not enabled"),
		strings.Contains(msg, "element is not editable"),
		strings.Contains(msg, "not an <input>"):
		return driver.Wrap(driver.ErrNotInteractable, op, err)
	case strings.Contains(msg, "waiting for locator"):
		return driver.Wrap(driver.ErrNoSuchElement, op, err)
	case errors.Is(err, playwright.ErrTimeout), strings.Contains(msg, "timeout"):
		return driver.Wrap(driver.ErrTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
