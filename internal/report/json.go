package report

import (
	"encoding/json"
	"time"

	"github.com/kuitang/webprobe/internal/result"
)

// JSONReport is the machine-readable form of a run.
type JSONReport struct {
	Run     JSONRun      `json:"run"`
	Summary JSONSummary  `json:"summary"`
	Results []JSONResult `json:"results"`
}

type JSONRun struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Engine     string     `json:"engine,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type JSONSummary struct {
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Retried    int   `json:"retried"`
	DurationMS int64 `json:"duration_ms"`
}

type JSONResult struct {
	*result.TestResult
	Error       string              `json:"error,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
	Attachments []result.Attachment `json:"attachments,omitempty"`
}

// JSON renders every recorded attempt of run as indented JSON.
func JSON(run *result.RunInfo, results []*result.TestResult) ([]byte, error) {
	if results == nil {
		results = run.Results()
	}
	sum := result.Summarize(results)
	if !run.FinishedAt.IsZero() {
		sum.Duration = run.FinishedAt.Sub(run.StartedAt)
	}

	rep := JSONReport{
		Run: JSONRun{
			ID:        run.ID,
			Name:      run.Name,
			Engine:    run.Engine,
			StartedAt: run.StartedAt.UTC(),
		},
		Summary: JSONSummary{
			Total:      sum.Total,
			Passed:     sum.Passed,
			Failed:     sum.Failed,
			Skipped:    sum.Skipped,
			Retried:    sum.Retried,
			DurationMS: sum.Duration.Milliseconds(),
		},
		Results: make([]JSONResult, 0, len(results)),
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt.UTC()
		rep.Run.FinishedAt = &finished
	}
	for _, res := range results {
		rep.Results = append(rep.Results, JSONResult{
			TestResult:  res,
			Error:       res.ErrorText(),
			DurationMS:  res.Duration().Milliseconds(),
			Attachments: res.Attachments(),
		})
	}
	return json.MarshalIndent(rep, "", "  ")
}
