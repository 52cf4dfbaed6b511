// Command webprobe runs declarative browser test scenarios, keeps their
// results in a local database and serves a live browser over MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuitang/webprobe/internal/config"
	"github.com/kuitang/webprobe/internal/obs"

	// Engine adapters register themselves with the driver registry.
	_ "github.com/kuitang/webprobe/internal/driver/fakedriver"
	_ "github.com/kuitang/webprobe/internal/driver/pwdriver"
	_ "github.com/kuitang/webprobe/internal/driver/roddriver"
	_ "github.com/kuitang/webprobe/internal/driver/seldriver"
)

// errTestsFailed is returned by run when at least one test failed. The
// summary has already been printed, so main only sets the exit code.
var errTestsFailed = errors.New("tests failed")

func main() {
	obs.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, root.ErrOrStderr()))
}

// exitCode maps a command error to the process exit status: 1 for failed
// tests, 2 for anything that kept the command from completing.
func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errTestsFailed):
		return 1
	default:
		fmt.Fprintf(stderr, "webprobe: %v\n", err)
		return 2
	}
}

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "webprobe",
		Short:         "Browser test runner",
		Long:          `Run YAML browser scenarios against playwright, rod or selenium, store the results and serve a browser over MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newReportCmd(opts))
	root.AddCommand(newRunsCmd(opts))
	root.AddCommand(newFlakyCmd(opts))
	root.AddCommand(newPruneCmd(opts))
	root.AddCommand(newServeCmd(opts))
	return root
}

// load reads the layered configuration, lets override apply command flags
// and validates the result.
func (o *rootOptions) load(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	obs.SetLevel(cfg.LogLevel)
	return cfg, nil
}
