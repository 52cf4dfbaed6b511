package logutil

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestRedactTypedText_SensitiveLocators(t *testing.T) {
	t.Parallel()
	for _, locator := range []string{"input[type=password]", "#api-token", "css=#session_id", "[name=client_secret]"} {
		if got := RedactTypedText(locator, "hunter2"); got != "[REDACTED]" {
			t.Fatalf("locator %q: expected redaction, got %q", locator, got)
		}
	}
	if got := RedactTypedText("#search", "golang"); got != "golang" {
		t.Fatalf("expected plain text for non-sensitive locator, got %q", got)
	}
}

func TestFormatPairsForLog_StableAndRedacted(t *testing.T) {
	t.Parallel()
	got := FormatPairsForLog(map[string]string{"theme": "dark", "session_id": "abc", "lang": "en"})
	want := `lang="en"; session_id="[REDACTED]"; theme="dark"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if FormatPairsForLog(nil) != "{}" {
		t.Fatalf("expected {} for empty map")
	}
}

func TestRedactJSONForLog_Nested(t *testing.T) {
	t.Parallel()
	got := RedactJSONForLog([]byte(`{"user":{"name":"a","password":"p"},"items":[{"api_key":"k"}]}`))
	if strings.Contains(got, `"p"`) || strings.Contains(got, `"k"`) {
		t.Fatalf("expected secrets removed, got %s", got)
	}
	if RedactJSONForLog([]byte("not json")) != "not json" {
		t.Fatalf("non-JSON text must pass through")
	}
}

func TestTruncateForLog_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.StringMatching(`[a-z \n]{0,200}`).Draw(t, "value")
		limit := rapid.IntRange(1, 100).Draw(t, "limit")

		got := TruncateForLog(value, limit)
		if strings.Contains(got, "\n") {
			t.Fatalf("output must be single line: %q", got)
		}
		if len(got) > limit+len("... [truncated]") {
			t.Fatalf("output too long: %d > %d", len(got), limit)
		}
	})
}
