// Package seldriver drives browsers through a remote WebDriver endpoint
// (Selenium server, chromedriver, geckodriver) with tebeka/selenium.
//
// The WebDriver cookie type of tebeka/selenium has no httpOnly field, so
// this engine can neither read nor set HttpOnly. Cookies it returns always
// report HTTPOnly false.
package seldriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
	"github.com/tebeka/selenium/firefox"
)

// EngineName is the registry name of this adapter.
const EngineName = "selenium"

// DefaultRemoteURL is used when Options.RemoteURL is empty.
const DefaultRemoteURL = "http://127.0.0.1:4444/wd/hub"

func init() {
	driver.Register(EngineName, Open)
}

// Engine is one WebDriver session.
type Engine struct {
	wd selenium.WebDriver

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Engine = (*Engine)(nil)

// Open starts a new session on the remote endpoint.
func Open(ctx context.Context, opts driver.Options) (driver.Engine, error) {
	opts = opts.WithDefaults()
	remote := opts.RemoteURL
	if remote == "" {
		remote = DefaultRemoteURL
	}

	caps, err := capabilities(opts)
	if err != nil {
		return nil, err
	}
	wd, err := selenium.NewRemote(caps, remote)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "selenium: new session at "+remote, err)
	}
	if err := wd.SetPageLoadTimeout(opts.Timeout); err != nil {
		_ = wd.Quit()
		return nil, errs.Wrap(errs.Unavailable, "selenium: page load timeout", err)
	}
	// Element lookups must not wait; polling is done by the caller.
	if err := wd.SetImplicitWaitTimeout(0); err != nil {
		_ = wd.Quit()
		return nil, errs.Wrap(errs.Unavailable, "selenium: implicit wait", err)
	}
	if !opts.Headless {
		_ = wd.ResizeWindow("", opts.ViewportWidth, opts.ViewportHeight)
	}
	return &Engine{wd: wd}, nil
}

func capabilities(opts driver.Options) (selenium.Capabilities, error) {
	size := fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight)
	switch opts.Browser {
	case "chromium", "chrome":
		caps := selenium.Capabilities{"browserName": "chrome"}
		args := []string{size}
		if opts.Headless {
			args = append(args, "--headless=new", "--disable-gpu")
		}
		caps.AddChrome(chrome.Capabilities{Args: args})
		return caps, nil
	case "firefox":
		caps := selenium.Capabilities{"browserName": "firefox"}
		var args []string
		if opts.Headless {
			args = append(args, "-headless")
		}
		caps.AddFirefox(firefox.Capabilities{Args: args})
		return caps, nil
	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("selenium: unsupported browser %q", opts.Browser))
	}
}

func (e *Engine) Name() string { return EngineName }

// WebDriver exposes the underlying session.
func (e *Engine) WebDriver() selenium.WebDriver { return e.wd }

func (e *Engine) Navigate(ctx context.Context, url string) error {
	return classify("navigate "+url, e.wd.Get(url))
}

func (e *Engine) CurrentURL(ctx context.Context) (string, error) {
	u, err := e.wd.CurrentURL()
	return u, classify("url", err)
}

func (e *Engine) Title(ctx context.Context) (string, error) {
	t, err := e.wd.Title()
	return t, classify("title", err)
}

func (e *Engine) PageSource(ctx context.Context) (string, error) {
	s, err := e.wd.PageSource()
	return s, classify("source", err)
}

func (e *Engine) Back(ctx context.Context) error    { return classify("back", e.wd.Back()) }
func (e *Engine) Forward(ctx context.Context) error { return classify("forward", e.wd.Forward()) }
func (e *Engine) Refresh(ctx context.Context) error { return classify("refresh", e.wd.Refresh()) }

func (e *Engine) FindElements(ctx context.Context, by driver.By) ([]driver.Element, error) {
	using, value, err := locator(by)
	if err != nil {
		return nil, err
	}
	els, err := e.wd.FindElements(using, value)
	if err != nil {
		err = classify("find "+by.String(), err)
		if errors.Is(err, driver.ErrNoSuchElement) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]driver.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el, by: by})
	}
	return out, nil
}

func locator(by driver.By) (using, value string, err error) {
	switch by.Strategy {
	case driver.StrategyCSS:
		return selenium.ByCSSSelector, by.Value, nil
	case driver.StrategyXPath:
		return selenium.ByXPATH, by.Value, nil
	case driver.StrategyID:
		return selenium.ByID, by.Value, nil
	case driver.StrategyName:
		return selenium.ByName, by.Value, nil
	}
	if css, ok := by.CSSSelector(); ok {
		return selenium.ByCSSSelector, css, nil
	}
	if xp, ok := by.XPathExpr(); ok {
		return selenium.ByXPATH, xp, nil
	}
	return "", "", driver.Wrap(driver.ErrUnsupported, "find "+by.String(), nil)
}

func (e *Engine) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	v, err := e.wd.ExecuteScript(script, args)
	return v, classify("script", err)
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.wd.Screenshot()
	return data, classify("screenshot", err)
}

func (e *Engine) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	cookies, err := e.wd.GetCookies()
	if err != nil {
		return nil, classify("cookies", err)
	}
	out := make([]driver.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, fromSelenium(c))
	}
	return out, nil
}

func (e *Engine) AddCookie(ctx context.Context, c driver.Cookie) error {
	return classify("add cookie "+c.Name, e.wd.AddCookie(toSelenium(c)))
}

func fromSelenium(c selenium.Cookie) driver.Cookie {
	dc := driver.Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   c.Path,
		Secure: c.Secure,
	}
	if c.Expiry > 0 {
		dc.Expires = time.Unix(int64(c.Expiry), 0).UTC()
	}
	return dc
}

// toSelenium drops HTTPOnly; see the package doc.
func toSelenium(c driver.Cookie) *selenium.Cookie {
	sc := &selenium.Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   c.Path,
		Secure: c.Secure,
	}
	if !c.Expires.IsZero() {
		sc.Expiry = uint(c.Expires.Unix())
	}
	return sc
}

func (e *Engine) DeleteCookie(ctx context.Context, name string) error {
	return classify("delete cookie "+name, e.wd.DeleteCookie(name))
}

func (e *Engine) ClearCookies(ctx context.Context) error {
	return classify("clear cookies", e.wd.DeleteAllCookies())
}

// Close quits the session. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.wd.Quit()
	})
	return e.closeErr
}

// classify maps W3C WebDriver error codes onto driver sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	code := ""
	var se *selenium.Error
	if errors.As(err, &se) {
		code = se.Err
	} else {
		code = strings.ToLower(err.Error())
	}
	switch {
	case strings.Contains(code, "no such element"):
		return driver.Wrap(driver.ErrNoSuchElement, op, err)
	case strings.Contains(code, "stale element reference"):
		return driver.Wrap(driver.ErrStaleElement, op, err)
	case strings.Contains(code, "element click intercepted"):
		return driver.Wrap(driver.ErrClickIntercepted, op, err)
	case strings.Contains(code, "element not interactable"),
		strings.Contains(code, "invalid element state"):
		return driver.Wrap(driver.ErrNotInteractable, op, err)
	case strings.Contains(code, "timeout"):
		return driver.Wrap(driver.ErrTimeout, op, err)
	case strings.Contains(code, "invalid session id"),
		strings.Contains(code, "no such window"),
		strings.Contains(code, "session not created"):
		return driver.Wrap(driver.ErrSessionClosed, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
