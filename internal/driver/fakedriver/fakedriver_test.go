package fakedriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
)

func loginPage() *Page {
	return &Page{
		Title: "Login",
		Nodes: []*Node{
			{ID: "email", Tag: "input", Name: "email", Classes: []string{"field"}},
			{ID: "password", Tag: "input", Name: "password", Attrs: map[string]string{"type": "password"}},
			{ID: "submit", Tag: "button", TestID: "login", Text: "Sign in", OnClick: func(b *Browser) { b.Visit("http://app/home") }},
			{ID: "spinner", Hidden: true},
			{ID: "late", Text: "ready", AppearAfter: time.Second},
		},
	}
}

func TestFind_Strategies(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.AddPage("http://app/login", loginPage())
	if err := b.Navigate(ctx, "http://app/login"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	for _, by := range []driver.By{
		driver.ID("email"),
		driver.Name("password"),
		driver.TestID("login"),
		driver.Text("Sign in"),
		driver.CSS("#submit"),
		driver.CSS("input.field"),
		driver.CSS(`input[type="password"]`),
		driver.CSS("button[data-testid=login]"),
		driver.CSS("select, #email"),
	} {
		els, err := b.FindElements(ctx, by)
		if err != nil || len(els) != 1 {
			t.Errorf("FindElements(%v) = %d, %v; want 1 element", by, len(els), err)
		}
	}
	els, err := b.FindElements(ctx, driver.CSS("input"))
	if err != nil || len(els) != 2 {
		t.Fatalf("input count = %d, %v", len(els), err)
	}
	if _, err := b.FindElements(ctx, driver.XPath("//a")); !errors.Is(err, driver.ErrUnsupported) {
		t.Fatalf("xpath err = %v", err)
	}
}

func TestClick_NavigatesAndStalesOldElements(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.AddPage("http://app/login", loginPage())
	b.AddPage("http://app/home", &Page{Title: "Home"})
	_ = b.Navigate(ctx, "http://app/login")

	els, _ := b.FindElements(ctx, driver.ID("submit"))
	if err := els[0].Click(ctx); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if title, _ := b.Title(ctx); title != "Home" {
		t.Fatalf("Title = %q", title)
	}
	if err := els[0].Click(ctx); !errors.Is(err, driver.ErrStaleElement) {
		t.Fatalf("second click err = %v, want stale", err)
	}

	_ = b.Back(ctx)
	if u, _ := b.CurrentURL(ctx); u != "http://app/login" {
		t.Fatalf("after Back URL = %q", u)
	}
	_ = b.Forward(ctx)
	if u, _ := b.CurrentURL(ctx); u != "http://app/home" {
		t.Fatalf("after Forward URL = %q", u)
	}
}

func TestTypeClearHiddenAndDelayed(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	b := New()
	b.SetClock(func() time.Time { return now })
	b.AddPage("http://app/login", loginPage())
	_ = b.Navigate(ctx, "http://app/login")

	els, _ := b.FindElements(ctx, driver.ID("email"))
	_ = els[0].Type(ctx, "a@")
	_ = els[0].Type(ctx, "b.c")
	if v, _ := els[0].Value(ctx); v != "a@b.c" {
		t.Fatalf("Value = %q", v)
	}
	_ = els[0].Clear(ctx)
	if v, _ := els[0].Value(ctx); v != "" {
		t.Fatalf("Value after Clear = %q", v)
	}

	hidden, _ := b.FindElements(ctx, driver.ID("spinner"))
	if err := hidden[0].Click(ctx); !errors.Is(err, driver.ErrNotVisible) {
		t.Fatalf("hidden click err = %v", err)
	}

	if late, _ := b.FindElements(ctx, driver.ID("late")); len(late) != 0 {
		t.Fatal("late node visible before AppearAfter")
	}
	now = now.Add(2 * time.Second)
	if late, _ := b.FindElements(ctx, driver.ID("late")); len(late) != 1 {
		t.Fatal("late node missing after AppearAfter")
	}
}

func TestFailNextAndClose(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.FailNext("navigate", driver.ErrTimeout)
	if err := b.Navigate(ctx, "http://x"); !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("first navigate err = %v", err)
	}
	if err := b.Navigate(ctx, "http://x"); err != nil {
		t.Fatalf("second navigate err = %v", err)
	}
	if b.Calls("navigate") != 2 {
		t.Fatalf("Calls = %d", b.Calls("navigate"))
	}
	_ = b.Close()
	if _, err := b.Title(ctx); !errors.Is(err, driver.ErrSessionClosed) {
		t.Fatalf("after Close err = %v", err)
	}
}

func TestCookiesAndScripts(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(5000, 0)
	b := New()
	b.SetClock(func() time.Time { return now })

	_ = b.AddCookie(ctx, driver.Cookie{Name: "sid", Value: "1", Domain: "app"})
	_ = b.AddCookie(ctx, driver.Cookie{Name: "sid", Value: "2", Domain: "app"})
	_ = b.AddCookie(ctx, driver.Cookie{Name: "old", Value: "x", Expires: now.Add(-time.Minute)})
	cookies, _ := b.Cookies(ctx)
	if len(cookies) != 1 || cookies[0].Value != "2" {
		t.Fatalf("cookies = %+v", cookies)
	}
	_ = b.DeleteCookie(ctx, "sid")
	if cookies, _ := b.Cookies(ctx); len(cookies) != 0 {
		t.Fatalf("cookies after delete = %+v", cookies)
	}

	b.HandleScript("document.title", func(args []any) (any, error) { return "T", nil })
	v, err := b.ExecuteScript(ctx, "return document.title;")
	if err != nil || v != "T" {
		t.Fatalf("script = %v, %v", v, err)
	}
	if v, _ := b.ExecuteScript(ctx, "return 1;"); v != nil {
		t.Fatalf("unhandled script = %v", v)
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	eng, err := driver.Open(context.Background(), driver.Options{Engine: EngineName})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if eng.Name() != EngineName {
		t.Fatalf("Name = %q", eng.Name())
	}
}
