package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/webprobe/internal/obs"
)

// SentSummary is a summary captured by MockNotifier.
type SentSummary struct {
	Subject string
	Text    string
	Summary Summary
}

// MockNotifier captures summaries instead of sending them. When outboxDir
// is set each message is also written there as a JSON file.
type MockNotifier struct {
	mu        sync.Mutex
	Sent      []SentSummary
	outboxDir string
	seq       uint64
}

// NewMockNotifier returns a capturing notifier. An empty outboxDir keeps
// messages in memory only.
func NewMockNotifier(outboxDir string) *MockNotifier {
	m := &MockNotifier{}
	if outboxDir != "" {
		if err := os.MkdirAll(outboxDir, 0o755); err != nil {
			obs.Pkg("notify").Warn("outbox_dir_failed", "dir", outboxDir, "error", err)
		} else {
			m.outboxDir = outboxDir
		}
	}
	return m
}

func (m *MockNotifier) Send(ctx context.Context, s Summary) error {
	subject, _, text, err := render(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentSummary{Subject: subject, Text: text, Summary: s})

	obs.From(ctx).With("pkg", "notify").Info("summary_captured",
		"subject", subject,
		"failures", len(s.Failures),
	)
	return m.writeOutboxEvent(outboxEvent{
		RunID:          s.RunID,
		Subject:        subject,
		Text:           text,
		Failed:         s.Failed(),
		SentAtUnixNano: time.Now().UnixNano(),
	})
}

// Last returns the most recent capture, or the zero value.
func (m *MockNotifier) Last() SentSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentSummary{}
	}
	return m.Sent[len(m.Sent)-1]
}

func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

type outboxEvent struct {
	Sequence       uint64 `json:"sequence"`
	RunID          string `json:"run_id"`
	Subject        string `json:"subject"`
	Text           string `json:"text"`
	Failed         bool   `json:"failed"`
	SentAtUnixNano int64  `json:"sent_at_unix_nano"`
}

// writeOutboxEvent writes atomically so readers never see partial files.
// Callers hold m.mu.
func (m *MockNotifier) writeOutboxEvent(event outboxEvent) error {
	if m.outboxDir == "" {
		return nil
	}

	m.seq++
	event.Sequence = m.seq

	fileName := fmt.Sprintf("%020d-%020d-%s.json", event.Sequence, event.SentAtUnixNano, sanitizeOutboxComponent(event.RunID))
	finalPath := filepath.Join(m.outboxDir, fileName)
	tempPath := finalPath + ".tmp"

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write outbox temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename outbox file: %w", err)
	}
	return nil
}

var outboxSanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9._@-]+`)

func sanitizeOutboxComponent(input string) string {
	safe := strings.TrimSpace(input)
	if safe == "" {
		return "unknown"
	}
	return outboxSanitizePattern.ReplaceAllString(safe, "_")
}
