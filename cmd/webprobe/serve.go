package main

import (
	"github.com/spf13/cobra"

	"github.com/kuitang/webprobe/internal/config"
	"github.com/kuitang/webprobe/internal/mcp"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/ratelimit"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var flags browserFlags
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a browser session as MCP tools",
		Long: `Serve one shared browser session over the MCP Streamable HTTP transport at /mcp.
Set WEBPROBE_SERVE_TOKEN to require "Authorization: Bearer <token>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(func(cfg *config.Config) {
				flags.apply(cfg)
				if addr != "" {
					cfg.Serve.ListenAddr = addr
				}
			})
			if err != nil {
				return err
			}
			cfg.PrintStartupSummary(cmd.ErrOrStderr())

			srv := mcp.NewServer(sessionFactory(cfg), mcp.Options{
				Token: cfg.Serve.Token,
				RateLimit: ratelimit.Config{
					RPS:   cfg.Serve.RateLimitRPS,
					Burst: cfg.Serve.RateLimitBurst,
				},
			})
			defer func() {
				if err := srv.Close(); err != nil {
					obs.Pkg("cli").Warn("mcp_close_failed", "error", err)
				}
			}()
			obs.Pkg("cli").Info("serve_start", "addr", cfg.Serve.ListenAddr, "auth", cfg.Serve.Token != "")
			return srv.ListenAndServe(cmd.Context(), cfg.Serve.ListenAddr)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8089)")
	return cmd
}
