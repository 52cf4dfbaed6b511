package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuitang/webprobe/internal/artifacts"
	"github.com/kuitang/webprobe/internal/obs"
)

func newPruneCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune <run-id>...",
		Short: "Delete stored runs and their artifacts",
		Long:  `Delete runs from the results database together with the screenshots stored for them, locally or in S3.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(nil)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			shots, err := artifactStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			log := obs.Pkg("cli")
			for _, id := range args {
				if err := st.DeleteRun(cmd.Context(), id); err != nil {
					return err
				}
				files := 0
				if p, ok := shots.(artifacts.Pruner); ok {
					if files, err = p.DeleteRun(cmd.Context(), id); err != nil {
						return fmt.Errorf("run %s deleted but its artifacts were not: %w", id, err)
					}
				}
				log.Info("run_pruned", "run_id", id, "artifacts", files)
				fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s (%d artifacts)\n", id, files)
			}
			return nil
		},
	}
}
