package main

import (
	"github.com/spf13/cobra"

	"certchain/audit"
)

func exportCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write certificates.csv and certificates.parquet snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			summary, err := audit.NewExporter(st, nil).Export(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "audit", "output directory")
	return cmd
}
