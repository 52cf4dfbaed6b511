// Package result holds the execution records shared by the runner, the
// lifecycle listeners, the results store and the reporters.
package result

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the execution status of a test attempt.
type Status int

const (
	Started Status = iota
	Passed
	Failed
	Skipped
	Retried
)

var statusNames = [...]string{
	Started: "STARTED",
	Passed:  "PASS",
	Failed:  "FAIL",
	Skipped: "SKIP",
	Retried: "RETRY",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Final reports whether s can be the last status of a test.
func (s Status) Final() bool {
	return s == Passed || s == Failed || s == Skipped
}

// ParseStatus parses the String form of a status, case-insensitively.
// "SUCCESS", "FAILURE" and "PASSED"/"FAILED"/"SKIPPED" are accepted as aliases.
func ParseStatus(v string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "STARTED":
		return Started, nil
	case "PASS", "PASSED", "SUCCESS":
		return Passed, nil
	case "FAIL", "FAILED", "FAILURE":
		return Failed, nil
	case "SKIP", "SKIPPED":
		return Skipped, nil
	case "RETRY", "RETRIED":
		return Retried, nil
	default:
		return Started, fmt.Errorf("unknown status %q", v)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Attachment is a named artifact produced during a test attempt.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url,omitempty"`
	Size        int    `json:"size"`

	// Data is kept in memory until an artifact store persists it.
	Data []byte `json:"-"`
}

// TestResult records one attempt of one test.
type TestResult struct {
	RunID       string            `json:"run_id"`
	Suite       string            `json:"suite"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Attempt     int               `json:"attempt"`
	Status      Status            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Err         error             `json:"-"`
	Message     string            `json:"message,omitempty"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Logs        []string          `json:"logs,omitempty"`

	mu          sync.Mutex
	attachments []Attachment
	values      map[string]any
}

// Duration is FinishedAt-StartedAt, or zero for unfinished attempts.
func (r *TestResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FullName is "suite/name".
func (r *TestResult) FullName() string {
	if r.Suite == "" {
		return r.Name
	}
	return r.Suite + "/" + r.Name
}

// Attach adds an artifact to the result. Safe for concurrent use.
func (r *TestResult) Attach(a Attachment) {
	if a.Size == 0 {
		a.Size = len(a.Data)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachments = append(r.attachments, a)
}

// ReplaceAttachment swaps the attachment at index i. Used by stores that
// upload the data and keep only the URL.
func (r *TestResult) ReplaceAttachment(i int, a Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= 0 && i < len(r.attachments) {
		r.attachments[i] = a
	}
}

// Attachments returns a copy of the attachments.
func (r *TestResult) Attachments() []Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attachment, len(r.attachments))
	copy(out, r.attachments)
	return out
}

// SetValue stores an arbitrary value for listeners, e.g. the browser
// session driving the test.
func (r *TestResult) SetValue(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[key] = v
}

// Value returns a value stored with SetValue.
func (r *TestResult) Value(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// ErrorText returns the failure message, if any.
func (r *TestResult) ErrorText() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// SuiteInfo describes a suite while it runs.
type SuiteInfo struct {
	RunID      string
	Name       string
	TestCount  int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []*TestResult // final results only, in completion order
}

// RunInfo describes one execution of the runner.
type RunInfo struct {
	ID         string
	Name       string
	Engine     string
	StartedAt  time.Time
	FinishedAt time.Time
	Suites     []*SuiteInfo

	mu      sync.Mutex
	results []*TestResult
}

// Record appends a final or retried result to the run.
func (r *RunInfo) Record(res *TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns every recorded attempt, in completion order.
func (r *RunInfo) Results() []*TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TestResult, len(r.results))
	copy(out, r.results)
	return out
}

// Summary counts attempts by status.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	Retried  int
	Duration time.Duration
}

// Summarize counts results by status. Retried attempts are counted in
// Retried only; Total counts final results.
func Summarize(results []*TestResult) Summary {
	var s Summary
	for _, res := range results {
		switch res.Status {
		case Passed:
			s.Passed++
		case Failed:
			s.Failed++
		case Skipped:
			s.Skipped++
		case Retried:
			s.Retried++
		}
	}
	s.Total = s.Passed + s.Failed + s.Skipped
	return s
}

// Summary summarizes the run.
func (r *RunInfo) Summary() Summary {
	s := Summarize(r.Results())
	if !r.FinishedAt.IsZero() {
		s.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	return s
}

// Failed reports whether any test ended in failure.
func (r *RunInfo) Failed() bool {
	return r.Summary().Failed > 0
}
