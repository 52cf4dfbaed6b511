// Package browser runs webprobe against real browser engines and a small
// demo site. Engines that cannot start on this machine are skipped, so the
// suite is safe to run anywhere.
//
// WEBPROBE_TEST_ENGINES selects engines (comma separated, default
// "playwright,rod"). Selenium is added when WEBPROBE_REMOTE_URL points at a
// WebDriver endpoint.
package browser

import (
	"context"
	"html/template"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	probe "github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/driver"
	_ "github.com/kuitang/webprobe/internal/driver/pwdriver"
	_ "github.com/kuitang/webprobe/internal/driver/roddriver"
	_ "github.com/kuitang/webprobe/internal/driver/seldriver"
)

const (
	// Never use a larger wait anywhere in tests/browser.
	browserMaxTimeout = 5 * time.Second
	browserPoll       = 50 * time.Millisecond

	// BannerDelay is how long /home waits before showing #banner.
	BannerDelay = 300 * time.Millisecond
)

var (
	browserFixtureMu     sync.Mutex
	browserSharedFixture *BrowserTestEnv
)

// BrowserTestEnv is the demo site shared by every test in the package.
type BrowserTestEnv struct {
	Server  *httptest.Server
	BaseURL string
}

// SetupBrowserTestEnv returns the shared environment, creating it once.
func SetupBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests skipped in short mode")
	}

	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()
	if browserSharedFixture != nil {
		return browserSharedFixture
	}

	srv := httptest.NewServer(newDemoSite())
	browserSharedFixture = &BrowserTestEnv{Server: srv, BaseURL: srv.URL}
	return browserSharedFixture
}

func cleanupSharedBrowserTestEnv() {
	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()
	if browserSharedFixture == nil {
		return
	}
	browserSharedFixture.Server.Close()
	browserSharedFixture = nil
}

// Engines lists the engines to exercise.
func Engines() []string {
	var engines []string
	if v := strings.TrimSpace(os.Getenv("WEBPROBE_TEST_ENGINES")); v != "" {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				engines = append(engines, e)
			}
		}
	} else {
		engines = []string{"playwright", "rod"}
	}
	if os.Getenv("WEBPROBE_REMOTE_URL") != "" && !contains(engines, "selenium") {
		engines = append(engines, "selenium")
	}
	return engines
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ForEachEngine runs fn as a subtest per engine.
func (env *BrowserTestEnv) ForEachEngine(t *testing.T, fn func(t *testing.T, engine string)) {
	t.Helper()
	for _, engine := range Engines() {
		t.Run(engine, func(t *testing.T) { fn(t, engine) })
	}
}

// SessionFunc opens sessions on engine against the demo site.
func (env *BrowserTestEnv) SessionFunc(t *testing.T, engine string) func(ctx context.Context) (*probe.Session, error) {
	t.Helper()
	opts := driver.Options{
		Engine:    engine,
		Headless:  true,
		RemoteURL: os.Getenv("WEBPROBE_REMOTE_URL"),
		Timeout:   browserMaxTimeout,
	}
	return func(ctx context.Context) (*probe.Session, error) {
		eng, err := driver.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return probe.New(eng, probe.Options{
			BaseURL:      env.BaseURL,
			Timeout:      browserMaxTimeout,
			PollInterval: browserPoll,
		}), nil
	}
}

// NewSession opens one session or skips the test.
func (env *BrowserTestEnv) NewSession(t *testing.T, engine string) *probe.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := env.SessionFunc(t, engine)(ctx)
	if err != nil {
		t.Skipf("%s not available: %v", engine, err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("close %s session: %v", engine, err)
		}
	})
	return s
}

// Context returns a context bounded by the browser timeout budget.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 4*browserMaxTimeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Demo site
// =============================================================================

var demoPages = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Login</title></head>
<body>
<form method="post" action="/login">
  <input id="email" name="email" type="email">
  <input id="password" name="password" type="password">
  <button id="submit" type="submit" data-testid="sign-in">Sign in</button>
</form>
</body></html>`))

func init() {
	template.Must(demoPages.New("home").Parse(`<!doctype html>
<html><head><title>Home</title></head>
<body>
<h1>Dashboard</h1>
<div id="banner" style="display:none">Welcome back, {{.Email}}</div>
<button id="dismiss" onclick="document.getElementById('banner').style.display='none'">Dismiss</button>
<script>setTimeout(function () { document.getElementById('banner').style.display = 'block'; }, {{.DelayMS}});</script>
</body></html>`))
}

func newDemoSite() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = demoPages.ExecuteTemplate(w, "login", nil)
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		email := r.FormValue("email")
		if email == "" || r.FormValue("password") == "" {
			http.Redirect(w, r, "/login?error=missing", http.StatusSeeOther)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "s-" + email, Path: "/", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: "user", Value: email, Path: "/"})
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		user, err := r.Cookie("user")
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = demoPages.ExecuteTemplate(w, "home", map[string]any{
			"Email":   user.Value,
			"DelayMS": BannerDelay.Milliseconds(),
		})
	})
	return mux
}
