package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/driver/fakedriver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/stretchr/testify/require"
)

const testBase = "http://app.test"

func newTestSession(t *testing.T) (*Session, *fakedriver.Browser) {
	t.Helper()
	fake := fakedriver.New()
	fake.AddPage(testBase+"/login", &fakedriver.Page{
		Title: "Login",
		Nodes: []*fakedriver.Node{
			{ID: "email", Tag: "input"},
			{ID: "password", Tag: "input", Attrs: map[string]string{"type": "password"}},
			{ID: "submit", Tag: "button", Text: "Sign in", OnClick: func(b *fakedriver.Browser) { b.Visit(testBase + "/home") }},
			{ID: "spinner", Hidden: true},
			{ID: "banner", Text: "Welcome back", AppearAfter: 50 * time.Millisecond},
			{ID: "item", Tag: "li", Text: "first"},
			{ID: "item", Tag: "li", Text: "second"},
		},
	})
	fake.AddPage(testBase+"/home", &fakedriver.Page{Title: "Home"})
	s := New(fake, Options{
		BaseURL:      testBase + "/",
		Timeout:      500 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func TestNew_NonPositiveTimeoutUsesDefault(t *testing.T) {
	ctx := context.Background()
	fake := fakedriver.New()
	fake.AddPage(testBase+"/", &fakedriver.Page{
		Title: "Slow",
		Nodes: []*fakedriver.Node{{ID: "late", Text: "ready", AppearAfter: 30 * time.Millisecond}},
	})
	s := New(fake, Options{BaseURL: testBase, Timeout: -time.Second, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = s.Close() })

	require.Positive(t, s.opts.Timeout)
	require.NoError(t, s.Open(ctx, "/"))
	text, err := s.Find(driver.ID("late")).WaitText(ctx, "ready")
	require.NoError(t, err)
	require.Equal(t, "ready", text)
}

func TestOpen_ResolvesAgainstBaseURL(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	require.NoError(t, s.Open(ctx, "/login"))
	u, err := s.URL(ctx)
	require.NoError(t, err)
	require.Equal(t, testBase+"/login", u)

	info, err := s.PageInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, "Login", info.Title)
	require.False(t, info.CapturedAt.IsZero())
}

func TestElement_WaitsForLateElement(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	text, err := s.Find(driver.ID("banner")).Text(ctx)
	require.NoError(t, err)
	require.Equal(t, "Welcome back", text)
}

func TestElement_RetriesStaleClick(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	fake.FailNext("click", driver.Wrap(driver.ErrStaleElement, "click id=submit", nil))
	require.NoError(t, s.Find(driver.ID("submit")).Click(ctx))
	require.Equal(t, 2, fake.Calls("click"))
	require.NoError(t, s.WaitTitle(ctx, "Home"))
}

func TestElement_MissingTimesOut(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	err := s.Find(driver.ID("nope")).Click(ctx)
	require.ErrorIs(t, err, driver.ErrTimeout)
	require.ErrorIs(t, err, driver.ErrNoSuchElement)
}

func TestElement_HardErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	fake.FailNext("type", driver.Wrap(driver.ErrSessionClosed, "type", nil))
	err := s.Find(driver.ID("email")).Type(ctx, "x")
	require.ErrorIs(t, err, driver.ErrSessionClosed)
	require.NotErrorIs(t, err, driver.ErrTimeout)
	require.Equal(t, 1, fake.Calls("type"))
}

func TestElement_SetValueAndState(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	email := s.Find(driver.ID("email"))
	require.NoError(t, email.Type(ctx, "old"))
	require.NoError(t, email.SetValue(ctx, "a@b.c"))
	v, err := email.Value(ctx)
	require.NoError(t, err)
	require.Equal(t, "a@b.c", v)
	require.Equal(t, "a@b.c", fake.Node(driver.ID("email")).Value)

	typ, err := s.Find(driver.ID("password")).Attribute(ctx, "type")
	require.NoError(t, err)
	require.Equal(t, "password", typ)

	ok, err := s.Find(driver.ID("spinner")).Exists(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	visible, err := s.Find(driver.ID("spinner")).IsVisible(ctx)
	require.NoError(t, err)
	require.False(t, visible)
	require.NoError(t, s.Find(driver.ID("spinner")).WaitHidden(ctx))
	require.NoError(t, s.Find(driver.ID("ghost")).WaitHidden(ctx))
	require.NoError(t, s.Find(driver.ID("email")).WaitEnabled(ctx))

	ok, err = s.Find(driver.ID("ghost")).Exists(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindAll_IndexesMatches(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	items, err := s.FindAll(ctx, driver.CSS("li"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	second, err := items[1].Text(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", second)
	require.Equal(t, "css=li[1]", items[1].String())
}

func TestType_RedactsSensitiveLocators(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutputForTests(&buf)
	defer restore()
	obs.SetLevel("debug")
	defer obs.SetLevel("info")

	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))
	require.NoError(t, s.Find(driver.ID("password")).Type(ctx, "hunter2"))
	require.NoError(t, s.Find(driver.ID("email")).Type(ctx, "me@example.com"))

	out := buf.String()
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, "[REDACTED]")
	require.Contains(t, out, "me@example.com")
}

func TestActions_ChainAndStepIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	var captured []string
	chain := s.Actions().
		Open("/login").
		Type(driver.ID("email"), "a@b.c").
		Type(driver.ID("password"), "pw").
		Screenshot("filled").
		Click(driver.ID("submit")).
		AssertTitle("Home").
		AssertURL("/home").
		OnScreenshot(func(sh Shot) { captured = append(captured, sh.Name) })
	require.NoError(t, chain.Do(ctx))
	require.Equal(t, []string{"filled"}, captured)
	require.Len(t, chain.Screenshots(), 1)
	require.NotEmpty(t, chain.Screenshots()[0].PNG)

	err := s.Actions().
		Open("/login").
		WaitVisible(driver.ID("email")).
		Click(driver.ID("missing")).
		Click(driver.ID("submit")).
		Do(ctx)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 2, stepErr.Index)
	require.Contains(t, err.Error(), "step 3 (click id=missing)")
	require.ErrorIs(t, err, driver.ErrNoSuchElement)
}

func TestActions_AssertTextFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)

	err := s.Actions().
		Open("/login").
		AssertText(driver.ID("submit"), "Sign in").
		AssertText(driver.ID("submit"), "Log out").
		Do(ctx)
	require.ErrorIs(t, err, ErrAssertion)
	require.Contains(t, err.Error(), `"Sign in"`)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 2, stepErr.Index)
}

func TestActions_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := newTestSession(t)
	err := s.Actions().Open("/login").Do(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPacing_ThrottlesActions(t *testing.T) {
	ctx := context.Background()
	fake := fakedriver.New()
	s := New(fake, Options{ActionsPerSecond: 20})

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Open(ctx, "about:blank"))
	}
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestCookies_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))

	cm := s.Cookies()
	require.NoError(t, cm.Add(ctx, driver.Cookie{Name: "sid", Value: "abc", Path: "/"}))
	require.NoError(t, cm.Add(ctx, driver.Cookie{Name: "theme", Value: "dark"}))
	c, err := cm.Get(ctx, "sid")
	require.NoError(t, err)
	require.Equal(t, "abc", c.Value)
	_, err = cm.Get(ctx, "nope")
	require.True(t, errs.Is(err, errs.NotFound))

	path := filepath.Join(t.TempDir(), "state", "cookies.json")
	require.NoError(t, cm.SaveTo(ctx, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, cm.Clear(ctx))
	all, err := cm.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	n, err := cm.LoadFrom(ctx, path, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	c, err = cm.Get(ctx, "theme")
	require.NoError(t, err)
	require.Equal(t, "app.test", c.Domain)

	require.NoError(t, cm.Delete(ctx, "theme"))
	all, _ = fake.Cookies(ctx)
	require.Len(t, all, 1)
}

func TestCookies_LoadRejectsStaleAndForeign(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Open(ctx, "/login"))
	dir := t.TempDir()

	write := func(name string, stored StoredCookies) string {
		data, err := json.Marshal(stored)
		require.NoError(t, err)
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o600))
		return p
	}
	cookies := []driver.Cookie{{Name: "sid", Value: "1"}}

	stale := write("stale.json", StoredCookies{Origin: testBase, SavedAt: time.Now().Add(-48 * time.Hour), Cookies: cookies})
	_, err := s.Cookies().LoadFrom(ctx, stale, 24*time.Hour)
	require.True(t, errs.Is(err, errs.FailedPrecondition), "err = %v", err)

	foreign := write("foreign.json", StoredCookies{Origin: "http://evil.test", SavedAt: time.Now(), Cookies: cookies})
	_, err = s.Cookies().LoadFrom(ctx, foreign, 0)
	require.True(t, errs.Is(err, errs.FailedPrecondition), "err = %v", err)

	// Origins compare by scheme and host only, so a jar saved with a path
	// or different case still loads.
	samePage := write("same.json", StoredCookies{Origin: strings.ToUpper(testBase) + "/home?tab=1", SavedAt: time.Now(), Cookies: cookies})
	n, err := s.Cookies().LoadFrom(ctx, samePage, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Cookies().LoadFrom(ctx, filepath.Join(dir, "missing.json"), 0)
	require.True(t, errs.Is(err, errs.NotFound), "err = %v", err)

	expired := write("expired.json", StoredCookies{
		Origin:  testBase,
		SavedAt: time.Now(),
		Cookies: []driver.Cookie{{Name: "old", Value: "x", Expires: time.Now().Add(-time.Hour)}, {Name: "sid", Value: "1"}},
	})
	n, err = s.Cookies().LoadFrom(ctx, expired, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMetrics_DecodesNavigationTiming(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSession(t)
	fake.HandleScript("performance.timing", func(args []any) (any, error) {
		return map[string]any{
			"navigationStart":  float64(1_700_000_000_000),
			"ttfb":             float64(42),
			"domContentLoaded": float64(120),
			"loadEvent":        float64(300),
			"resources":        float64(7),
		}, nil
	})

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 42*time.Millisecond, m.TTFB)
	require.Equal(t, 120*time.Millisecond, m.DOMContentLoaded)
	require.Equal(t, 300*time.Millisecond, m.LoadEvent)
	require.Equal(t, 7, m.ResourceCount)
	require.Equal(t, int64(1_700_000_000_000), m.NavigationStart.UnixMilli())
}

func TestMetrics_UnexpectedResult(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Metrics(context.Background())
	require.ErrorIs(t, err, driver.ErrUnsupported)
}

func TestClose_Idempotent(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, fake.Closed())
	require.Equal(t, 1, fake.Calls("close"))

	_, err := s.Title(context.Background())
	require.True(t, errors.Is(err, driver.ErrSessionClosed))
	require.False(t, strings.Contains(err.Error(), "timeout"))
}
