package notify

import (
	"context"
	"time"

	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

const sendTimeout = 30 * time.Second

// Listener sends a summary when a run finishes. By default only runs with
// failures are reported.
type Listener struct {
	n      Notifier
	always bool

	// ReportURL, when set, links the summary to a rendered report.
	ReportURL func(run *result.RunInfo) string
}

// NewListener returns a listener sending through n. always reports
// passing runs too.
func NewListener(n Notifier, always bool) *Listener {
	return &Listener{n: n, always: always}
}

func (l *Listener) OnExecutionStart(ctx context.Context, run *result.RunInfo) {}

func (l *Listener) OnExecutionFinish(ctx context.Context, run *result.RunInfo) {
	s := FromRun(run)
	if !s.Failed() && !l.always {
		return
	}
	if l.ReportURL != nil {
		s.ReportURL = l.ReportURL(run)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	log := obs.From(ctx).With("pkg", "notify")
	if err := l.n.Send(ctx, s); err != nil {
		log.Error("notify_failed", "run_id", run.ID, "error", err)
		return
	}
	log.Info("notify_sent", "run_id", run.ID, "failed", s.Counts.Failed)
}
