package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kuitang/webprobe/internal/result"
)

func sampleRun(failed bool) *result.RunInfo {
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	run := &result.RunInfo{ID: "run-1", Name: "smoke", Engine: "rod", StartedAt: start, FinishedAt: start.Add(time.Minute)}
	run.Record(&result.TestResult{Suite: "Home", Name: "loads", Attempt: 1, Status: result.Passed})
	if failed {
		run.Record(&result.TestResult{Suite: "Home", Name: "search", Attempt: 1, Status: result.Retried, Message: "flaky"})
		res := &result.TestResult{Suite: "Home", Name: "search", Attempt: 2, Status: result.Failed,
			Message: "expected <b>results</b>"}
		res.Attach(result.Attachment{Name: "failure.png", ContentType: "image/png", URL: "https://cdn.test/s.png"})
		run.Record(res)
	}
	return run
}

func TestFromRun(t *testing.T) {
	s := FromRun(sampleRun(true))
	if !s.Failed() || s.Counts.Total != 2 || s.Counts.Retried != 1 {
		t.Fatalf("unexpected counts: %+v", s.Counts)
	}
	if len(s.Failures) != 1 {
		t.Fatalf("failures = %+v, want one", s.Failures)
	}
	f := s.Failures[0]
	if f.Test != "Home/search" || f.Attempts != 2 || f.ScreenshotURL != "https://cdn.test/s.png" {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestRender(t *testing.T) {
	subject, html, text, err := render(FromRun(sampleRun(true)))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "[webprobe] FAIL smoke: 1 of 2 tests failed" {
		t.Fatalf("subject = %q", subject)
	}
	if strings.Contains(html, "<b>results</b>") {
		t.Fatalf("failure message was not escaped in html")
	}
	if !strings.Contains(html, "&lt;b&gt;results&lt;/b&gt;") || !strings.Contains(html, "https://cdn.test/s.png") {
		t.Fatalf("html missing failure details:\n%s", html)
	}
	if !strings.Contains(text, "- Home/search (attempts: 2): expected <b>results</b>") {
		t.Fatalf("text missing failure:\n%s", text)
	}

	subject, _, _, err = render(FromRun(sampleRun(false)))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "[webprobe] PASS smoke: 1 tests passed" {
		t.Fatalf("subject = %q", subject)
	}
}

func testRender_NeverPanicsAndTruncates(t *rapid.T) {
	msg := rapid.String().Draw(t, "message")
	s := Summary{
		RunID:    rapid.StringMatching(`[a-z0-9-]{1,16}`).Draw(t, "run"),
		Counts:   result.Summary{Total: 1, Failed: 1},
		Failures: []Failure{{Test: "S/t", Attempts: 1, Message: msg}},
	}
	subject, html, text, err := render(s)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject == "" || html == "" || text == "" {
		t.Fatalf("empty output")
	}
	if s.Failures[0].Message != msg {
		t.Fatalf("render modified the caller's summary")
	}
	if len(msg) > 2*maxFailureMessage && strings.Contains(text, msg) {
		t.Fatalf("long message was not truncated")
	}
}

func TestRender_NeverPanicsAndTruncates(t *testing.T) {
	rapid.Check(t, testRender_NeverPanicsAndTruncates)
}

func TestMockNotifier_CapturesAndWritesOutbox(t *testing.T) {
	dir := t.TempDir()
	m := NewMockNotifier(dir)

	if err := m.Send(context.Background(), FromRun(sampleRun(true))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Count() != 1 || !strings.HasPrefix(m.Last().Subject, "[webprobe] FAIL") {
		t.Fatalf("unexpected capture: %+v", m.Last())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), "-run-1.json") {
		t.Fatalf("outbox entries = %v", entries)
	}
	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var ev outboxEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if ev.Sequence != 1 || ev.RunID != "run-1" || !ev.Failed {
		t.Fatalf("unexpected outbox event %+v", ev)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Summary
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, s Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
	return r.err
}

func TestListener_SendsOnFailureOrAlways(t *testing.T) {
	ctx := context.Background()

	rec := &recordingNotifier{}
	l := NewListener(rec, false)
	l.ReportURL = func(run *result.RunInfo) string { return "https://ci.test/runs/" + run.ID }
	l.OnExecutionFinish(ctx, sampleRun(false))
	if len(rec.sent) != 0 {
		t.Fatalf("passing run should not notify")
	}
	l.OnExecutionFinish(ctx, sampleRun(true))
	if len(rec.sent) != 1 || rec.sent[0].ReportURL != "https://ci.test/runs/run-1" {
		t.Fatalf("sent = %+v", rec.sent)
	}

	always := &recordingNotifier{err: errors.New("smtp down")}
	NewListener(always, true).OnExecutionFinish(ctx, sampleRun(false))
	if len(always.sent) != 1 {
		t.Fatalf("always listener should notify passing runs")
	}
}

func TestListener_SendsAfterRunContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMockNotifier("")
	NewListener(m, false).OnExecutionFinish(ctx, sampleRun(true))
	if m.Count() != 1 {
		t.Fatalf("canceled run context should still notify")
	}
}

func TestResendNotifier_PostsEmail(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		mu.Lock()
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	}))
	defer srv.Close()

	r := NewResendNotifier("re_test", "webprobe@example.com", []string{"dev@example.com"})
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r.client.BaseURL = base

	if err := r.Send(context.Background(), FromRun(sampleRun(true))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if body["subject"] != "[webprobe] FAIL smoke: 1 of 2 tests failed" {
		t.Fatalf("request body = %v", body)
	}
	if body["from"] != "webprobe@example.com" {
		t.Fatalf("from = %v", body["from"])
	}

	none := NewResendNotifier("re_test", "webprobe@example.com", nil)
	if err := none.Send(context.Background(), Summary{}); err == nil {
		t.Fatal("expected error without recipients")
	}
}
