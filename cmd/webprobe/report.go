package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kuitang/webprobe/internal/config"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/report"
	"github.com/kuitang/webprobe/internal/result"
	"github.com/kuitang/webprobe/internal/store"
)

// reportExtension maps a --format value to its file extension.
func reportExtension(format string) (string, error) {
	switch strings.ToLower(format) {
	case "html":
		return ".html", nil
	case "md", "markdown":
		return ".md", nil
	case "xml", "testng":
		return ".xml", nil
	case "json":
		return ".json", nil
	}
	return "", errs.New(errs.InvalidArgument, fmt.Sprintf("unknown report format %q (want html, md, xml or json)", format))
}

func renderReport(format string, run *result.RunInfo, results []*result.TestResult) ([]byte, error) {
	switch strings.ToLower(format) {
	case "html":
		return report.HTML(run, results)
	case "md", "markdown":
		return report.Markdown(run, results), nil
	case "xml", "testng":
		return report.TestNGXML(run, results)
	case "json":
		return report.JSON(run, results)
	}
	_, err := reportExtension(format)
	return nil, err
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Results.Disabled {
		return nil, errs.New(errs.FailedPrecondition, "the results database is disabled (results.disabled)")
	}
	return store.Open(cfg.Results.DatabasePath, cfg.Results.Key)
}

func newReportCmd(root *rootOptions) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Render a stored run",
		Long:  `Render a stored run as HTML, Markdown, TestNG XML or JSON. The run defaults to the latest one.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := reportExtension(format); err != nil {
				return err
			}
			cfg, err := root.load(nil)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			id := store.LatestRun
			if len(args) == 1 {
				id = args[0]
			}
			ctx := cmd.Context()
			run, err := st.GetRun(ctx, id)
			if err != nil {
				return err
			}
			results, err := st.ResultsForRun(ctx, run.ID)
			if err != nil {
				return err
			}
			data, err := renderReport(format, run, results)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "html", "html, md, xml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newRunsCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"ls"},
		Short:   "List recent runs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(nil)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				duration := "running"
				if !r.FinishedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(10 * time.Millisecond).String()
				}
				rows = append(rows, []string{
					r.ID,
					r.Name,
					r.Engine,
					humanize.Time(r.StartedAt),
					duration,
					strconv.Itoa(r.Summary.Passed),
					strconv.Itoa(r.Summary.Failed),
					strconv.Itoa(r.Summary.Skipped),
					strconv.Itoa(r.Summary.Retried),
				})
			}
			return report.WriteTable(cmd.OutOrStdout(),
				[]string{"ID", "Name", "Engine", "Started", "Duration", "Passed", "Failed", "Skipped", "Retried"}, rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func newFlakyCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "flaky",
		Short: "List tests that passed only after a retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(nil)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			flaky, err := st.FlakyTests(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list flaky tests: %w", err)
			}
			if len(flaky) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no flaky tests")
				return nil
			}

			rows := make([][]string, 0, len(flaky))
			for _, f := range flaky {
				rows = append(rows, []string{
					f.Suite,
					f.Name,
					fmt.Sprintf("%d/%d", f.FlakyRuns, f.TotalRuns),
					strconv.Itoa(f.MaxAttempts),
					humanize.Time(f.LastSeen),
				})
			}
			return report.WriteTable(cmd.OutOrStdout(),
				[]string{"Suite", "Test", "Flaky runs", "Max attempts", "Last seen"}, rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tests")
	return cmd
}
