package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFrom_AttachesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithRunID(context.Background(), " run-1 ")
	ctx = WithCorrelation(ctx, Correlation{Suite: "Login", Test: "bad password", Attempt: 2, Engine: "rod"})
	ctx = WithCorrelation(ctx, Correlation{Test: ""}) // empty fields keep earlier values
	From(ctx).Info("step_done", "step", 3)
	Pkg("store").Info("saved")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	first := lines[0]
	for key, want := range map[string]any{
		"msg": "step_done", "run_id": "run-1", "suite": "Login", "test": "bad password",
		"attempt": float64(2), "engine": "rod", "step": float64(3),
	} {
		if first[key] != want {
			t.Errorf("%s = %v, want %v", key, first[key], want)
		}
	}
	ts, _ := first["time"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil || !strings.HasSuffix(ts, "Z") {
		t.Errorf("time %q is not UTC RFC3339Nano", ts)
	}
	if lines[1]["pkg"] != "store" {
		t.Errorf("pkg = %v", lines[1]["pkg"])
	}
}

func TestRunIDFromContext(t *testing.T) {
	if got := RunIDFromContext(context.Background()); got != "unknown" {
		t.Fatalf("empty run id = %q", got)
	}
	if got := RunIDFromContext(WithRunID(context.Background(), "r9")); got != "r9" {
		t.Fatalf("run id = %q", got)
	}
	//nolint:staticcheck // nil context is tolerated
	if got := CorrelationFromContext(nil); got != (Correlation{}) {
		t.Fatalf("nil ctx correlation = %+v", got)
	}
}

func TestSetLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()
	defer SetLevel("info")

	SetLevel("warn")
	Pkg("x").Info("hidden")
	Pkg("x").Warn("shown")
	SetLevel("DEBUG")
	Pkg("x").Debug("debug_shown")
	SetLevel("bogus")
	Pkg("x").Debug("hidden_again")

	var msgs []string
	for _, l := range decodeLines(t, &buf) {
		msgs = append(msgs, l["msg"].(string))
	}
	if strings.Join(msgs, ",") != "shown,debug_shown" {
		t.Fatalf("messages = %v", msgs)
	}
}

func testWithCorrelation_MergesNonEmpty(t *rapid.T) {
	a := Correlation{
		RunID:   rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "run_a"),
		Suite:   rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "suite_a"),
		Attempt: rapid.IntRange(0, 5).Draw(t, "attempt_a"),
	}
	b := Correlation{
		RunID:   rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "run_b"),
		Engine:  rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "engine_b"),
		Attempt: rapid.IntRange(0, 5).Draw(t, "attempt_b"),
	}
	got := CorrelationFromContext(WithCorrelation(WithCorrelation(context.Background(), a), b))

	wantRun := a.RunID
	if b.RunID != "" {
		wantRun = b.RunID
	}
	wantAttempt := a.Attempt
	if b.Attempt > 0 {
		wantAttempt = b.Attempt
	}
	if got.RunID != wantRun || got.Suite != a.Suite || got.Engine != b.Engine || got.Attempt != wantAttempt {
		t.Fatalf("merge(%+v, %+v) = %+v", a, b, got)
	}
}

func TestWithCorrelation_MergesNonEmpty(t *testing.T) {
	rapid.Check(t, testWithCorrelation_MergesNonEmpty)
}

func TestMiddleware_RequestIDAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()
	SetLevel("debug")
	defer SetLevel("info")

	var seen Correlation
	h := RequestContextMiddleware(AccessLogMiddleware("mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	id := rec.Header().Get("X-Request-Id")
	if !strings.HasPrefix(id, "req-") || seen.RequestID != id || seen.Session != "sess-1" {
		t.Fatalf("request id %q, correlation %+v", id, seen)
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "http_access" {
		t.Fatalf("access log = %v", lines)
	}
	if lines[0]["status"] != float64(http.StatusTeapot) || lines[0]["resp_bytes"] != float64(len("short and stout")) || lines[0]["request_id"] != id {
		t.Fatalf("access log fields = %v", lines[0])
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "given")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "given" {
		t.Fatalf("incoming request id not propagated")
	}
}

func TestResponseRecorder_DefaultsAndFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	w, r := NewResponseRecorder(rec)
	if _, ok := w.(http.Flusher); !ok {
		t.Fatal("flusher lost")
	}
	_, _ = w.Write([]byte("abc"))
	if r.StatusCode() != http.StatusOK || !r.WroteHeader() || r.RespBytes() != 3 {
		t.Fatalf("status=%d wrote=%v bytes=%d", r.StatusCode(), r.WroteHeader(), r.RespBytes())
	}
}
