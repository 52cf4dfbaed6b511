package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kuitang/webprobe/internal/artifacts"
	"github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/config"
	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/harness"
	"github.com/kuitang/webprobe/internal/lifecycle"
	"github.com/kuitang/webprobe/internal/notify"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/report"
	"github.com/kuitang/webprobe/internal/result"
	"github.com/kuitang/webprobe/internal/s3client"
	"github.com/kuitang/webprobe/internal/scenario"
	"github.com/kuitang/webprobe/internal/store"
)

// browserFlags override the browser section of the config.
type browserFlags struct {
	engine  string
	baseURL string
	headed  bool
}

func (f *browserFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.engine, "engine", "", "automation engine: "+strings.Join(config.Engines, ", "))
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "base URL for relative paths")
	cmd.Flags().BoolVar(&f.headed, "headed", false, "show the browser window")
}

func (f *browserFlags) apply(cfg *config.Config) {
	if f.engine != "" {
		cfg.Browser.Engine = f.engine
	}
	if f.baseURL != "" {
		cfg.Browser.BaseURL = f.baseURL
	}
	if f.headed {
		cfg.Browser.Headless = false
	}
}

type runOptions struct {
	browser     browserFlags
	name        string
	groups      []string
	maxAttempts int
	parallel    int
	reportDir   string
	formats     []string
	verbose     bool
	failFast    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run scenario files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(func(cfg *config.Config) {
				opts.browser.apply(cfg)
				if opts.maxAttempts > 0 {
					cfg.Run.MaxAttempts = opts.maxAttempts
				}
				if opts.parallel > 0 {
					cfg.Run.Parallel = opts.parallel
				}
				if opts.failFast {
					cfg.Run.FailFast = true
				}
			})
			if err != nil {
				return err
			}
			return runScenarios(cmd.Context(), cmd, cfg, opts, args)
		},
	}
	opts.browser.register(cmd)
	cmd.Flags().StringVar(&opts.name, "name", "", "run name (default: the scenario suite names)")
	cmd.Flags().StringSliceVarP(&opts.groups, "groups", "g", nil, "only run tests in these groups")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "attempts per test when a scenario sets no retries (1 = no retry)")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "tests run at once in suites that set no parallelism")
	cmd.Flags().StringVar(&opts.reportDir, "report-dir", "", "write reports for the run into this directory")
	cmd.Flags().StringSliceVar(&opts.formats, "format", []string{"html"}, "report formats written to --report-dir: html, md, xml, json")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "list passing tests in the summary")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "cancel remaining tests after the first failure")
	return cmd
}

func runScenarios(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *runOptions, paths []string) error {
	for _, format := range opts.formats {
		if _, err := reportExtension(format); err != nil {
			return err
		}
	}

	suites, err := scenario.CompileAll(paths, sessionFactory(cfg))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(suites))
	for _, s := range suites {
		if s.Parallel == 0 {
			s.Parallel = cfg.Run.Parallel
		}
		names = append(names, s.Name)
	}
	name := opts.name
	if name == "" {
		name = strings.Join(names, ", ")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listeners, closeListeners, err := buildListeners(ctx, cmd, cfg, opts, cancel)
	if err != nil {
		return err
	}
	defer closeListeners()

	runner := harness.NewRunner(
		harness.WithListeners(listeners),
		harness.WithRetry(harness.MaxAttempts(cfg.Run.MaxAttempts)),
		harness.WithTimeout(cfg.Run.TestTimeout),
		harness.WithName(name),
		harness.WithEngine(cfg.Browser.Engine),
		harness.WithGroups(opts.groups...),
	)
	run, err := runner.Run(ctx, suites...)
	if err != nil {
		return err
	}

	if err := report.WriteSummary(cmd.OutOrStdout(), run, run.Results(), opts.verbose); err != nil {
		return err
	}
	for _, lerr := range listeners.Errors() {
		obs.Pkg("cli").Warn("listener_error", "error", lerr)
	}
	if run.Failed() {
		return errTestsFailed
	}
	return nil
}

// sessionFactory opens a fresh engine for every test attempt.
func sessionFactory(cfg *config.Config) func(ctx context.Context) (*browser.Session, error) {
	engOpts := driver.Options{
		Engine:         cfg.Browser.Engine,
		Browser:        cfg.Browser.Browser,
		Headless:       cfg.Browser.Headless,
		RemoteURL:      cfg.Browser.RemoteURL,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		Timeout:        cfg.Browser.Timeout,
	}
	sessOpts := browser.Options{
		BaseURL:          cfg.Browser.BaseURL,
		Timeout:          cfg.Browser.Timeout,
		PollInterval:     cfg.Browser.PollInterval,
		ActionsPerSecond: cfg.Browser.ActionsPerSecond,
	}
	return func(ctx context.Context) (*browser.Session, error) {
		eng, err := driver.Open(ctx, engOpts)
		if err != nil {
			return nil, err
		}
		return browser.New(eng, sessOpts), nil
	}
}

// buildListeners registers, in order: console output, screenshot capture
// (before persistence so stored results carry artifact URLs), the results
// database, report files and finally notification.
func buildListeners(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *runOptions, cancel context.CancelFunc) (*lifecycle.Composite, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	listeners, err := lifecycle.NewComposite(report.NewConsoleReporter(cmd.OutOrStdout()))
	if err != nil {
		return nil, nil, err
	}

	shots, err := artifactStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	listeners.MustRegister(artifacts.NewScreenshotOnFailure(shots, artifacts.Options{
		ThumbnailWidth: cfg.Artifacts.ThumbnailWidth,
		OnRetry:        cfg.Artifacts.ScreenshotOnRetry,
	}))

	if !cfg.Results.Disabled {
		st, err := store.Open(cfg.Results.DatabasePath, cfg.Results.Key)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := st.Close(); err != nil {
				obs.Pkg("cli").Warn("store_close_failed", "error", err)
			}
		})
		listeners.MustRegister(store.NewListener(st))
	}

	var reports *reportFiles
	if opts.reportDir != "" {
		reports = &reportFiles{dir: opts.reportDir, formats: opts.formats}
		listeners.MustRegister(reports)
	}

	if cfg.Notify.Enabled {
		var n notify.Notifier
		if cfg.Notify.UseMock {
			n = notify.NewMockNotifier(filepath.Join(cfg.Artifacts.Dir, "outbox"))
		} else {
			n = notify.NewResendNotifier(cfg.Notify.ResendAPIKey, cfg.Notify.From, cfg.Notify.To)
		}
		nl := notify.NewListener(n, cfg.Notify.Always)
		if reports != nil {
			nl.ReportURL = reports.url
		}
		listeners.MustRegister(nl)
	}

	if cfg.Run.FailFast {
		listeners.MustRegister(&failFast{cancel: cancel})
	}
	return listeners, closeAll, nil
}

func artifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if !cfg.Artifacts.UseS3 {
		return artifacts.NewLocalStore(cfg.Artifacts.Dir)
	}
	client, err := s3client.New(ctx, s3client.Config{
		Endpoint:        cfg.Artifacts.AWSEndpointS3,
		Region:          cfg.Artifacts.AWSRegion,
		AccessKeyID:     cfg.Artifacts.AWSAccessKeyID,
		SecretAccessKey: cfg.Artifacts.AWSSecretAccessKey,
		BucketName:      cfg.Artifacts.AWSBucketName,
		PublicURL:       cfg.Artifacts.AWSPublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact storage: %w", err)
	}
	return artifacts.NewS3Store(client, cfg.Artifacts.S3Prefix), nil
}

// failFast cancels the run after the first final failure.
type failFast struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (f *failFast) OnTestStart(ctx context.Context, res *result.TestResult)   {}
func (f *failFast) OnTestSuccess(ctx context.Context, res *result.TestResult) {}
func (f *failFast) OnTestSkipped(ctx context.Context, res *result.TestResult) {}
func (f *failFast) OnTestRetry(ctx context.Context, res *result.TestResult)   {}

func (f *failFast) OnTestFailure(ctx context.Context, res *result.TestResult) {
	f.once.Do(func() {
		obs.From(ctx).With("pkg", "cli").Info("fail_fast", "test", res.FullName())
		f.cancel()
	})
}

// reportFiles writes the finished run in each format to dir.
type reportFiles struct {
	dir     string
	formats []string
}

func (r *reportFiles) path(run *result.RunInfo, format string) string {
	ext, _ := reportExtension(format)
	return filepath.Join(r.dir, "webprobe-"+run.ID+ext)
}

// url points at the HTML report when one is written.
func (r *reportFiles) url(run *result.RunInfo) string {
	for _, f := range r.formats {
		if ext, _ := reportExtension(f); ext == ".html" {
			abs, err := filepath.Abs(r.path(run, f))
			if err != nil {
				return ""
			}
			return "file://" + filepath.ToSlash(abs)
		}
	}
	return ""
}

func (r *reportFiles) OnExecutionStart(ctx context.Context, run *result.RunInfo) {}

func (r *reportFiles) OnExecutionFinish(ctx context.Context, run *result.RunInfo) {
	log := obs.From(ctx).With("pkg", "cli")
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		log.Error("report_dir_failed", "dir", r.dir, "error", err)
		return
	}
	results := run.Results()
	for _, format := range r.formats {
		data, err := renderReport(format, run, results)
		if err != nil {
			log.Error("report_render_failed", "format", format, "error", err)
			continue
		}
		p := r.path(run, format)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			log.Error("report_write_failed", "path", p, "error", err)
			continue
		}
		log.Info("report_written", "path", p, "format", format)
	}
}
