package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

const writeTimeout = 5 * time.Second

// Listener writes runs and results to a Store as they complete. Write
// errors are logged and never fail the run.
type Listener struct {
	store *Store
}

// NewListener returns a listener persisting into s.
func NewListener(s *Store) *Listener {
	return &Listener{store: s}
}

func (l *Listener) logger(ctx context.Context) *slog.Logger {
	return obs.From(ctx).With("pkg", "store")
}

// writeCtx detaches from run cancellation so a canceled run still records
// what it finished.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func (l *Listener) OnExecutionStart(ctx context.Context, run *result.RunInfo) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := l.store.SaveRun(wctx, run); err != nil {
		l.logger(ctx).Error("save_run_failed", "run_id", run.ID, "error", err)
	}
}

func (l *Listener) OnExecutionFinish(ctx context.Context, run *result.RunInfo) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := l.store.FinishRun(wctx, run); err != nil {
		l.logger(ctx).Error("finish_run_failed", "run_id", run.ID, "error", err)
	}
}

func (l *Listener) save(ctx context.Context, res *result.TestResult) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := l.store.SaveResult(wctx, res); err != nil {
		l.logger(ctx).Error("save_result_failed",
			"test", res.FullName(),
			"attempt", res.Attempt,
			"error", err,
		)
	}
}

func (l *Listener) OnTestStart(ctx context.Context, res *result.TestResult) {}

func (l *Listener) OnTestSuccess(ctx context.Context, res *result.TestResult) {
	l.save(ctx, res)
}

func (l *Listener) OnTestFailure(ctx context.Context, res *result.TestResult) {
	l.save(ctx, res)
}

func (l *Listener) OnTestSkipped(ctx context.Context, res *result.TestResult) {
	l.save(ctx, res)
}

func (l *Listener) OnTestRetry(ctx context.Context, res *result.TestResult) {
	l.save(ctx, res)
}
