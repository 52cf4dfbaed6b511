// Package driver abstracts browser automation engines behind a small
// interface. Adapters live in subpackages and register themselves by name
// from init, so commands select an engine with a blank import and a config
// value.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Strategy names how a By locates elements.
type Strategy string

const (
	StrategyCSS    Strategy = "css"
	StrategyXPath  Strategy = "xpath"
	StrategyID     Strategy = "id"
	StrategyName   Strategy = "name"
	StrategyText   Strategy = "text"
	StrategyTestID Strategy = "testid"
)

// By is an element locator.
type By struct {
	Strategy Strategy
	Value    string
}

func CSS(selector string) By  { return By{Strategy: StrategyCSS, Value: selector} }
func XPath(expr string) By    { return By{Strategy: StrategyXPath, Value: expr} }
func ID(id string) By         { return By{Strategy: StrategyID, Value: id} }
func Name(name string) By     { return By{Strategy: StrategyName, Value: name} }
func Text(text string) By     { return By{Strategy: StrategyText, Value: text} }
func TestID(testID string) By { return By{Strategy: StrategyTestID, Value: testID} }

func (b By) String() string {
	return string(b.Strategy) + "=" + b.Value
}

// ParseBy parses the String form, e.g. "css=#login" or "text=Sign in".
// A value without a known prefix is taken as CSS.
func ParseBy(s string) By {
	if i := strings.IndexByte(s, '='); i > 0 {
		switch Strategy(s[:i]) {
		case StrategyCSS, StrategyXPath, StrategyID, StrategyName, StrategyText, StrategyTestID:
			return By{Strategy: Strategy(s[:i]), Value: s[i+1:]}
		}
	}
	return CSS(s)
}

// CSSSelector returns an equivalent CSS selector when one exists.
func (b By) CSSSelector() (string, bool) {
	switch b.Strategy {
	case StrategyCSS:
		return b.Value, true
	case StrategyID:
		return "#" + cssEscape(b.Value), true
	case StrategyName:
		return fmt.Sprintf("[name=%q]", b.Value), true
	case StrategyTestID:
		return fmt.Sprintf("[data-testid=%q]", b.Value), true
	default:
		return "", false
	}
}

// XPathExpr returns an equivalent XPath expression. CSS selectors have none.
func (b By) XPathExpr() (string, bool) {
	switch b.Strategy {
	case StrategyXPath:
		return b.Value, true
	case StrategyID:
		return "//*[@id=" + XPathLiteral(b.Value) + "]", true
	case StrategyName:
		return "//*[@name=" + XPathLiteral(b.Value) + "]", true
	case StrategyTestID:
		return "//*[@data-testid=" + XPathLiteral(b.Value) + "]", true
	case StrategyText:
		return "//*[normalize-space(text())=" + XPathLiteral(strings.TrimSpace(b.Value)) + "]", true
	default:
		return "", false
	}
}

// XPathLiteral quotes s as an XPath 1.0 string literal.
func XPathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	var b strings.Builder
	b.WriteString("concat(")
	for i, p := range parts {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + p + "'")
	}
	b.WriteString(")")
	return b.String()
}

func cssEscape(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-', r > 0x7f:
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, `\%x `, r)
		}
	}
	return b.String()
}

// Engine is one browser page driven by an automation backend.
//
// FindElements never waits: it returns what the page holds right now, and
// an empty slice with a nil error when nothing matches. Waiting is layered
// on top by package wait.
type Engine interface {
	Name() string

	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Refresh(ctx context.Context) error

	FindElements(ctx context.Context, by By) ([]Element, error)

	// ExecuteScript runs a JavaScript function body. Arguments are
	// available as arguments[0..n] and the body's return value is decoded
	// into Go values (map[string]any, []any, float64, string, bool, nil).
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)

	// Screenshot returns a PNG of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	AddCookie(ctx context.Context, c Cookie) error
	DeleteCookie(ctx context.Context, name string) error
	ClearCookies(ctx context.Context) error

	Close() error
}

// Element is a handle to a DOM element. Handles may go stale after
// navigation; callers re-find rather than cache them.
type Element interface {
	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	// Attribute returns "" for missing attributes.
	Attribute(ctx context.Context, name string) (string, error)
	Value(ctx context.Context) (string, error)
	IsDisplayed(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Cookie is a browser cookie. A zero Expires is a session cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"` // Strict, Lax, None or empty
}

// Expired reports whether the cookie expired before now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// Options selects and configures an engine.
type Options struct {
	Engine         string
	Browser        string // chromium, firefox, webkit or chrome
	Headless       bool
	RemoteURL      string
	ViewportWidth  int
	ViewportHeight int
	// Timeout bounds single engine operations such as navigation.
	Timeout time.Duration
}

const (
	DefaultTimeout        = 5 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 800
)

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.Browser == "" {
		o.Browser = "chromium"
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = DefaultViewportWidth
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = DefaultViewportHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}
