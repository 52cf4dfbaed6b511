// Package report renders runs for people and tools: a live console
// reporter, Markdown and HTML documents, TestNG XML and JSON.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

const maxMessageWidth = 80

// ConsoleReporter prints one line per finished attempt and a summary
// table when the run ends.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer

	// Verbose also prints passing tests in the summary table.
	Verbose bool
}

// NewConsoleReporter returns a reporter writing to w.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

func (c *ConsoleReporter) logger(ctx context.Context) *slog.Logger {
	return obs.From(ctx).With("pkg", "report")
}

func (c *ConsoleReporter) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *ConsoleReporter) OnExecutionStart(ctx context.Context, run *result.RunInfo) {
	name := run.Name
	if name == "" {
		name = run.ID
	}
	c.printf("=== RUN %s (engine %s)\n", name, run.Engine)
}

func (c *ConsoleReporter) OnExecutionFinish(ctx context.Context, run *result.RunInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteSummary(c.w, run, run.Results(), c.Verbose); err != nil {
		c.logger(ctx).Warn("summary_write_failed", "error", err)
	}
}

func (c *ConsoleReporter) line(ctx context.Context, res *result.TestResult) {
	msg := fmt.Sprintf("--- %s: %s (%s)", res.Status, res.FullName(), formatDuration(res.Duration()))
	if res.Attempt > 1 {
		msg += fmt.Sprintf(" on %s attempt", humanize.Ordinal(res.Attempt))
	}
	switch {
	case res.Status == result.Skipped && res.SkipReason != "":
		msg += ": " + res.SkipReason
	case res.ErrorText() != "":
		msg += ": " + logutil.TruncateForLog(res.ErrorText(), maxMessageWidth)
	}
	c.printf("%s\n", msg)
}

func (c *ConsoleReporter) OnTestStart(ctx context.Context, res *result.TestResult) {}

func (c *ConsoleReporter) OnTestSuccess(ctx context.Context, res *result.TestResult) {
	c.line(ctx, res)
}

func (c *ConsoleReporter) OnTestFailure(ctx context.Context, res *result.TestResult) {
	c.line(ctx, res)
}

func (c *ConsoleReporter) OnTestSkipped(ctx context.Context, res *result.TestResult) {
	c.line(ctx, res)
}

func (c *ConsoleReporter) OnTestRetry(ctx context.Context, res *result.TestResult) {
	c.line(ctx, res)
}

// WriteSummary prints the results table and the totals line. Passing tests
// are listed only when verbose is set.
func WriteSummary(w io.Writer, run *result.RunInfo, results []*result.TestResult, verbose bool) error {
	var rows [][]string
	for _, res := range finalResults(results) {
		if res.Status == result.Passed && res.Attempt == 1 && !verbose {
			continue
		}
		msg := res.ErrorText()
		if res.Status == result.Skipped {
			msg = res.SkipReason
		}
		rows = append(rows, []string{
			res.Suite,
			res.Name,
			res.Status.String(),
			humanize.Comma(int64(res.Attempt)),
			formatDuration(res.Duration()),
			logutil.TruncateForLog(msg, maxMessageWidth),
		})
	}
	if len(rows) > 0 {
		if err := WriteTable(w, []string{"Suite", "Test", "Status", "Attempts", "Duration", "Message"}, rows); err != nil {
			return err
		}
	}

	sum := result.Summarize(results)
	if !run.FinishedAt.IsZero() {
		sum.Duration = run.FinishedAt.Sub(run.StartedAt)
	}
	status := "PASS"
	if sum.Failed > 0 {
		status = "FAIL"
	}
	_, err := fmt.Fprintf(w, "%s: %s tests, %s passed, %s failed, %s skipped, %s retried in %s (run %s, started %s)\n",
		status,
		humanize.Comma(int64(sum.Total)),
		humanize.Comma(int64(sum.Passed)),
		humanize.Comma(int64(sum.Failed)),
		humanize.Comma(int64(sum.Skipped)),
		humanize.Comma(int64(sum.Retried)),
		formatDuration(sum.Duration),
		run.ID,
		humanize.Time(run.StartedAt),
	)
	return err
}

// WriteTable renders rows under header as a text table.
func WriteTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	cols := make([]any, len(header))
	for i, h := range header {
		cols[i] = h
	}
	table.Header(cols...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

// finalResults returns the final attempt of each test, ordered by suite then
// start time.
func finalResults(results []*result.TestResult) []*result.TestResult {
	var out []*result.TestResult
	for _, res := range results {
		if res.Status.Final() {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Suite != out[j].Suite {
			return out[i].Suite < out[j].Suite
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// retriesOf maps FullName to the retried attempts of that test.
func retriesOf(results []*result.TestResult) map[string][]*result.TestResult {
	out := make(map[string][]*result.TestResult)
	for _, res := range results {
		if res.Status == result.Retried {
			out[res.FullName()] = append(out[res.FullName()], res)
		}
	}
	return out
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
