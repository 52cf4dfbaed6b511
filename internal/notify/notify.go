// Package notify delivers run summaries by email.
package notify

import (
	"context"
	"time"

	"github.com/kuitang/webprobe/internal/result"
)

// Notifier delivers a run summary.
type Notifier interface {
	Send(ctx context.Context, s Summary) error
}

// Failure is one failed test in a summary.
type Failure struct {
	Test          string
	Attempts      int
	Message       string
	ScreenshotURL string
}

// Summary is what a notification says about a run.
type Summary struct {
	RunID     string
	RunName   string
	Engine    string
	StartedAt time.Time
	Counts    result.Summary
	Failures  []Failure
	ReportURL string
}

// Failed reports whether any test failed.
func (s Summary) Failed() bool { return s.Counts.Failed > 0 }

// FromRun summarizes run. Failures keep the order tests finished in.
func FromRun(run *result.RunInfo) Summary {
	s := Summary{
		RunID:     run.ID,
		RunName:   run.Name,
		Engine:    run.Engine,
		StartedAt: run.StartedAt,
		Counts:    run.Summary(),
	}
	for _, res := range run.Results() {
		if res.Status != result.Failed {
			continue
		}
		f := Failure{
			Test:     res.FullName(),
			Attempts: res.Attempt,
			Message:  res.ErrorText(),
		}
		for _, a := range res.Attachments() {
			if a.URL != "" && a.ContentType == "image/png" {
				f.ScreenshotURL = a.URL
				break
			}
		}
		s.Failures = append(s.Failures, f)
	}
	return s
}
