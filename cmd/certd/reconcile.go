package main

import (
	"github.com/spf13/cobra"
)

func reconcileCommand() *cobra.Command {
	var (
		limit        int
		withNotifies bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			c, err := wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			engine, err := c.engine()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Recon.BatchLimit
			}
			report, err := engine.ReconcileBatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := map[string]any{"reconcile": report}
			if withNotifies {
				notified, err := engine.DispatchNotifications(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out["notifications"] = notified
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to process (defaults to recon.batch_limit)")
	cmd.Flags().BoolVar(&withNotifies, "notify", true, "also retry pending notifications")
	return cmd
}
