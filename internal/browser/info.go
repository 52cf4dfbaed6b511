package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/kuitang/webprobe/internal/driver"
)

// PageInfo identifies the page a session is on.
type PageInfo struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Session) PageInfo(ctx context.Context) (PageInfo, error) {
	u, err := s.eng.CurrentURL(ctx)
	if err != nil {
		return PageInfo{}, err
	}
	title, err := s.eng.Title(ctx)
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: u, Title: title, CapturedAt: time.Now().UTC()}, nil
}

// Metrics are load timings for the current document, relative to
// NavigationStart.
type Metrics struct {
	NavigationStart  time.Time     `json:"navigation_start"`
	TTFB             time.Duration `json:"ttfb"`
	DOMContentLoaded time.Duration `json:"dom_content_loaded"`
	LoadEvent        time.Duration `json:"load_event"`
	ResourceCount    int           `json:"resource_count"`
}

// metricsJS reads the Navigation Timing API. Unfinished events report 0.
const metricsJS = `
const t = window.performance.timing;
const since = (v) => (v > 0 ? v - t.navigationStart : 0);
return {
	navigationStart: t.navigationStart,
	ttfb: since(t.responseStart),
	domContentLoaded: since(t.domContentLoadedEventEnd),
	loadEvent: since(t.loadEventEnd),
	resources: window.performance.getEntriesByType('resource').length
};`

// Metrics reads the page's navigation timings.
func (s *Session) Metrics(ctx context.Context) (Metrics, error) {
	v, err := s.eng.ExecuteScript(ctx, metricsJS)
	if err != nil {
		return Metrics{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Metrics{}, driver.Wrap(driver.ErrUnsupported, "metrics", fmt.Errorf("unexpected script result %T", v))
	}
	ms := func(key string) time.Duration {
		return time.Duration(number(m[key]) * float64(time.Millisecond))
	}
	out := Metrics{
		TTFB:             ms("ttfb"),
		DOMContentLoaded: ms("domContentLoaded"),
		LoadEvent:        ms("loadEvent"),
		ResourceCount:    int(number(m["resources"])),
	}
	if start := number(m["navigationStart"]); start > 0 {
		out.NavigationStart = time.UnixMilli(int64(start)).UTC()
	}
	return out, nil
}

// number accepts the numeric types engines decode JSON numbers into.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return 0
	}
}
