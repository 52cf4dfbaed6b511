package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/urlutil"
)

// DefaultCookieMaxAge is how long saved cookies are trusted when LoadFrom
// is given no max age.
const DefaultCookieMaxAge = 24 * time.Hour

// StoredCookies is the on-disk form written by SaveTo.
type StoredCookies struct {
	Origin  string          `json:"origin"`
	SavedAt time.Time       `json:"saved_at"`
	Cookies []driver.Cookie `json:"cookies"`
}

// CookieManager reads and writes the session's cookies.
type CookieManager struct {
	s *Session
}

func (m *CookieManager) All(ctx context.Context) ([]driver.Cookie, error) {
	return m.s.eng.Cookies(ctx)
}

// Get returns the named cookie or an errs.NotFound error.
func (m *CookieManager) Get(ctx context.Context, name string) (driver.Cookie, error) {
	cookies, err := m.All(ctx)
	if err != nil {
		return driver.Cookie{}, err
	}
	for _, c := range cookies {
		if c.Name == name {
			return c, nil
		}
	}
	return driver.Cookie{}, errs.New(errs.NotFound, fmt.Sprintf("cookie %q not found", name))
}

func (m *CookieManager) Add(ctx context.Context, c driver.Cookie) error {
	if c.Name == "" {
		return errs.New(errs.InvalidArgument, "cookie name is required")
	}
	return m.s.eng.AddCookie(ctx, c)
}

func (m *CookieManager) Delete(ctx context.Context, name string) error {
	return m.s.eng.DeleteCookie(ctx, name)
}

func (m *CookieManager) Clear(ctx context.Context) error {
	return m.s.eng.ClearCookies(ctx)
}

// origin is the page origin cookies are saved for: the current URL, or the
// base URL before anything was opened.
func (m *CookieManager) origin(ctx context.Context) string {
	if u, err := m.s.eng.CurrentURL(ctx); err == nil {
		if o := urlutil.Origin(u); o != "" {
			return o
		}
	}
	return urlutil.Origin(m.s.opts.BaseURL)
}

// SaveTo writes the current cookies to path with mode 0600.
func (m *CookieManager) SaveTo(ctx context.Context, path string) error {
	cookies, err := m.All(ctx)
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return errs.New(errs.FailedPrecondition, "no cookies to save")
	}
	stored := StoredCookies{
		Origin:  m.origin(ctx),
		SavedAt: time.Now().UTC(),
		Cookies: cookies,
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create cookie dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	m.s.logger(ctx).Info("cookies_saved", "path", path, "count", len(cookies), "origin", stored.Origin)
	return nil
}

// LoadFrom restores cookies saved by SaveTo. Stores older than maxAge
// (DefaultCookieMaxAge when zero) or saved for another origin are rejected
// with errs.FailedPrecondition. Expired cookies are skipped.
func (m *CookieManager) LoadFrom(ctx context.Context, path string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.Wrap(errs.NotFound, "no saved cookies at "+path, err)
		}
		return 0, fmt.Errorf("read cookies: %w", err)
	}
	var stored StoredCookies
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, errs.Wrap(errs.InvalidArgument, "decode saved cookies", err)
	}

	now := time.Now()
	if age := now.Sub(stored.SavedAt); age > maxAge {
		return 0, errs.New(errs.FailedPrecondition, fmt.Sprintf("saved cookies are stale (age %s, max %s)", age.Round(time.Second), maxAge))
	}
	if origin := m.origin(ctx); origin != "" && stored.Origin != "" && !urlutil.SameOrigin(origin, stored.Origin) {
		return 0, errs.New(errs.FailedPrecondition, fmt.Sprintf("saved cookies are for %s, not %s", stored.Origin, origin))
	}

	host := strings.ToLower(urlutil.Host(stored.Origin))
	loaded := 0
	for _, c := range stored.Cookies {
		if c.Expired(now) {
			continue
		}
		if c.Domain == "" {
			c.Domain = host
		}
		if err := m.s.eng.AddCookie(ctx, c); err != nil {
			return loaded, fmt.Errorf("set cookie %s: %w", c.Name, err)
		}
		loaded++
	}
	m.s.logger(ctx).Info("cookies_loaded", "path", path, "count", loaded, "origin", stored.Origin)
	return loaded, nil
}
