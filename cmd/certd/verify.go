package main

import (
	"context"

	"github.com/spf13/cobra"

	"certchain/verify"
)

func verifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a certificate by id, code or artifact hash",
	}
	lookup := func(use, short string, fn func(*verify.Resolver) func(context.Context, string) verify.Verdict) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <value>",
			Short: short,
			Args:  cobra.ExactArgs(1),
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
				resolver, err := c.resolver()
				if err != nil {
					return err
				}
				return printJSON(cmd, fn(resolver)(cmd.Context(), args[0]))
			},
		}
	}
	cmd.AddCommand(
		lookup("id", "Verify by certificate id", func(r *verify.Resolver) func(context.Context, string) verify.Verdict { return r.VerifyByID }),
		lookup("code", "Verify by verification code", func(r *verify.Resolver) func(context.Context, string) verify.Verdict { return r.VerifyByCode }),
		lookup("hash", "Verify by sha256, CID or IPFS hash", func(r *verify.Resolver) func(context.Context, string) verify.Verdict { return r.VerifyByHash }),
	)
	return cmd
}
