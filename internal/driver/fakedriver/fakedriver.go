// Package fakedriver is an in-memory driver.Engine for unit tests. Pages
// are declared as lists of nodes; failures and slow rendering are
// programmable so retry and wait logic can be exercised without a browser.
package fakedriver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
)

// EngineName is the registry name of the fake engine.
const EngineName = "fake"

func init() {
	driver.Register(EngineName, func(ctx context.Context, opts driver.Options) (driver.Engine, error) {
		return New(), nil
	})
}

// Node is an element on a fake page.
type Node struct {
	ID       string
	Tag      string
	Name     string
	TestID   string
	Classes  []string
	Attrs    map[string]string
	Text     string
	Value    string
	Hidden   bool
	Disabled bool

	// AppearAfter hides the node from FindElements until this long after
	// the page was loaded.
	AppearAfter time.Duration

	// OnClick runs after a successful click, e.g. to navigate.
	OnClick func(b *Browser)
}

// Page is a fake document.
type Page struct {
	Title  string
	Source string
	Nodes  []*Node
}

// Browser is the fake engine.
type Browser struct {
	mu       sync.Mutex
	pages    map[string]*Page
	url      string
	loadedAt time.Time
	gen      int // bumped on every navigation to stale old elements
	history  []string
	pos      int
	cookies  []driver.Cookie
	scripts  []scriptHandler
	failures map[string][]error
	calls    map[string]int
	closed   bool
	now      func() time.Time
	shot     []byte
}

type scriptHandler struct {
	match string
	fn    func(args []any) (any, error)
}

var _ driver.Engine = (*Browser)(nil)

// New returns an empty browser on about:blank.
func New() *Browser {
	return &Browser{
		pages:    make(map[string]*Page),
		url:      "about:blank",
		history:  []string{"about:blank"},
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// SetClock overrides time.Now for AppearAfter and cookie expiry.
func (b *Browser) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AddPage serves p at url.
func (b *Browser) AddPage(url string, p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = p
}

// FailNext makes the next len(errs) calls of op fail with those errors in
// order. Ops are lowercase engine method names ("navigate", "find",
// "click", "type", "clear", "text", "screenshot", "script", ...).
func (b *Browser) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
}

// Calls reports how many times op was invoked.
func (b *Browser) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// HandleScript answers ExecuteScript calls whose script contains match.
// The first matching handler wins.
func (b *Browser) HandleScript(match string, fn func(args []any) (any, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, scriptHandler{match: match, fn: fn})
}

// SetScreenshot fixes the PNG returned by Screenshot.
func (b *Browser) SetScreenshot(png []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shot = png
}

// Node returns the first node on the current page matching by, ignoring
// visibility and AppearAfter. For assertions in tests.
func (b *Browser) Node(by driver.By) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pages[b.url]
	if p == nil {
		return nil
	}
	for _, n := range p.Nodes {
		if matches(n, by) {
			return n
		}
	}
	return nil
}

// enter records a call to op and returns a programmed failure, or
// ErrSessionClosed after Close. Callers hold b.mu.
func (b *Browser) enter(op string) error {
	b.calls[op]++
	if b.closed {
		return driver.Wrap(driver.ErrSessionClosed, op, nil)
	}
	if q := b.failures[op]; len(q) > 0 {
		err := q[0]
		b.failures[op] = q[1:]
		return err
	}
	return nil
}

func (b *Browser) Name() string { return EngineName }

func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("navigate"); err != nil {
		return err
	}
	b.load(url)
	b.history = append(b.history[:b.pos+1], url)
	b.pos = len(b.history) - 1
	return nil
}

// Visit navigates without the error plumbing. For OnClick handlers.
func (b *Browser) Visit(url string) {
	b.load(url)
	b.history = append(b.history[:b.pos+1], url)
	b.pos = len(b.history) - 1
}

func (b *Browser) load(url string) {
	b.url = url
	b.loadedAt = b.now()
	b.gen++
}

func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("url"); err != nil {
		return "", err
	}
	return b.url, nil
}

func (b *Browser) Title(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("title"); err != nil {
		return "", err
	}
	if p := b.pages[b.url]; p != nil {
		return p.Title, nil
	}
	return "", nil
}

func (b *Browser) PageSource(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("source"); err != nil {
		return "", err
	}
	p := b.pages[b.url]
	if p == nil {
		return "<html></html>", nil
	}
	if p.Source != "" {
		return p.Source, nil
	}
	var sb strings.Builder
	sb.WriteString("<html><head><title>" + p.Title + "</title></head><body>")
	for _, n := range p.Nodes {
		tag := n.Tag
		if tag == "" {
			tag = "div"
		}
		fmt.Fprintf(&sb, "<%s id=%q>%s</%s>", tag, n.ID, n.Text, tag)
	}
	sb.WriteString("</body></html>")
	return sb.String(), nil
}

func (b *Browser) Back(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("back"); err != nil {
		return err
	}
	if b.pos > 0 {
		b.pos--
		b.load(b.history[b.pos])
	}
	return nil
}

func (b *Browser) Forward(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("forward"); err != nil {
		return err
	}
	if b.pos < len(b.history)-1 {
		b.pos++
		b.load(b.history[b.pos])
	}
	return nil
}

func (b *Browser) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("refresh"); err != nil {
		return err
	}
	b.load(b.url)
	return nil
}

func (b *Browser) FindElements(ctx context.Context, by driver.By) ([]driver.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("find"); err != nil {
		return nil, err
	}
	if by.Strategy == driver.StrategyXPath {
		return nil, driver.Wrap(driver.ErrUnsupported, "find "+by.String(), nil)
	}
	p := b.pages[b.url]
	if p == nil {
		return nil, nil
	}
	elapsed := b.now().Sub(b.loadedAt)
	var out []driver.Element
	for _, n := range p.Nodes {
		if n.AppearAfter > elapsed {
			continue
		}
		if matches(n, by) {
			out = append(out, &element{b: b, n: n, gen: b.gen, by: by})
		}
	}
	return out, nil
}

func (b *Browser) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	b.mu.Lock()
	if err := b.enter("script"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	handlers := append([]scriptHandler(nil), b.scripts...)
	b.mu.Unlock()

	for _, h := range handlers {
		if strings.Contains(script, h.match) {
			return h.fn(args)
		}
	}
	return nil, nil
}

func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("screenshot"); err != nil {
		return nil, err
	}
	if b.shot != nil {
		return b.shot, nil
	}
	return SolidPNG(64, 48, color.RGBA{R: 0x20, G: 0x60, B: 0xa0, A: 0xff})
}

func (b *Browser) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("cookies"); err != nil {
		return nil, err
	}
	now := b.now()
	out := make([]driver.Cookie, 0, len(b.cookies))
	for _, c := range b.cookies {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *Browser) AddCookie(ctx context.Context, c driver.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("add_cookie"); err != nil {
		return err
	}
	for i, existing := range b.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			b.cookies[i] = c
			return nil
		}
	}
	b.cookies = append(b.cookies, c)
	return nil
}

func (b *Browser) DeleteCookie(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("delete_cookie"); err != nil {
		return err
	}
	kept := b.cookies[:0]
	for _, c := range b.cookies {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	b.cookies = kept
	return nil
}

func (b *Browser) ClearCookies(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("clear_cookies"); err != nil {
		return err
	}
	b.cookies = nil
	return nil
}

// Close marks the browser closed. Later calls fail with ErrSessionClosed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["close"]++
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SolidPNG encodes a w x h image of one color.
func SolidPNG(w, h int, c color.Color) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
