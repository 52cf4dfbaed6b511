package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/result"
)

const captureTimeout = 5 * time.Second

// Options configure ScreenshotOnFailure.
type Options struct {
	// ThumbnailWidth of the attached preview; zero uses DefaultThumbnailWidth.
	ThumbnailWidth int
	// OnRetry also captures attempts that will be retried.
	OnRetry bool
}

// ScreenshotOnFailure is a test listener. When an attempt fails it captures
// the browser session bound to the result (see browser.Bind) and attaches
// the full screenshot plus a thumbnail. On every final callback it uploads
// pending attachments to the store and keeps only their URLs.
//
// Register it before listeners that persist results so they see URLs.
type ScreenshotOnFailure struct {
	store Store
	opts  Options
}

// NewScreenshotOnFailure returns a listener writing to store.
func NewScreenshotOnFailure(store Store, opts Options) *ScreenshotOnFailure {
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = DefaultThumbnailWidth
	}
	return &ScreenshotOnFailure{store: store, opts: opts}
}

func (l *ScreenshotOnFailure) logger(ctx context.Context) *slog.Logger {
	return obs.From(ctx).With("pkg", "artifacts")
}

func (l *ScreenshotOnFailure) OnTestStart(ctx context.Context, res *result.TestResult) {}

func (l *ScreenshotOnFailure) OnTestSuccess(ctx context.Context, res *result.TestResult) {
	l.persist(ctx, res)
}

func (l *ScreenshotOnFailure) OnTestFailure(ctx context.Context, res *result.TestResult) {
	l.capture(ctx, res)
	l.persist(ctx, res)
}

func (l *ScreenshotOnFailure) OnTestSkipped(ctx context.Context, res *result.TestResult) {
	l.persist(ctx, res)
}

func (l *ScreenshotOnFailure) OnTestRetry(ctx context.Context, res *result.TestResult) {
	if l.opts.OnRetry {
		l.capture(ctx, res)
	}
	l.persist(ctx, res)
}

func (l *ScreenshotOnFailure) capture(ctx context.Context, res *result.TestResult) {
	s, ok := browser.SessionOf(res)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	png, err := s.Screenshot(ctx)
	if err != nil {
		l.logger(ctx).Warn("screenshot_failed", "test", res.FullName(), "attempt", res.Attempt, "error", err)
		return
	}
	res.Attach(result.Attachment{Name: "failure.png", ContentType: "image/png", Data: png})

	thumb, err := Thumbnail(png, l.opts.ThumbnailWidth)
	if err != nil {
		l.logger(ctx).Warn("thumbnail_failed", "test", res.FullName(), "error", err)
		return
	}
	res.Attach(result.Attachment{Name: "failure-thumb.png", ContentType: "image/png", Data: thumb})
}

// persist uploads attachments that still carry data.
func (l *ScreenshotOnFailure) persist(ctx context.Context, res *result.TestResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	for i, a := range res.Attachments() {
		if a.URL != "" || len(a.Data) == 0 {
			continue
		}
		key := Key(res.RunID, res.Suite, res.Name, res.Attempt, fmt.Sprintf("%d-%s", i, a.Name))
		url, err := l.store.Put(ctx, key, a.Data, a.ContentType)
		if err != nil {
			l.logger(ctx).Error("artifact_upload_failed", "test", res.FullName(), "name", a.Name, "error", err)
			continue
		}
		res.ReplaceAttachment(i, result.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			URL:         url,
			Size:        len(a.Data),
		})
		l.logger(ctx).Debug("artifact_stored", "test", res.FullName(), "name", a.Name, "url", url, "size", len(a.Data))
	}
}
