package main

import (
	"github.com/spf13/cobra"

	"certchain/certificate"
)

func migrateCommand() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and backfill verification codes",
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
			var newCode func() (string, error)
			if generate {
				newCode = certificate.NewCode
			}
			result, err := st.MigrateLegacyShortCodes(cmd.Context(), newCode)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", true, "generate codes for records whose legacy code is unusable")
	return cmd
}
