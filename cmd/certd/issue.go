package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"certchain/issue"
)

func issueCommand() *cobra.Command {
	var req issue.Request
	var pdfPath string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a certificate from a PDF and submit it to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			pdf, err := os.ReadFile(pdfPath)
			if err != nil {
				return fmt.Errorf("read pdf: %w", err)
			}
			req.PDF = pdf
			req.Filename = filepath.Base(pdfPath)

			c, err := wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.requireLedger(); err != nil {
				return err
			}
			svc, err := issue.NewService(issue.Config{
				Store:   c.store,
				Ledger:  c.ledger,
				Content: c.content,
				Logger:  c.logger,
			})
			if err != nil {
				return err
			}
			res, err := svc.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := map[string]any{
				"certificateId":    res.Record.CertificateID,
				"verificationCode": res.Record.VerificationCode,
				"status":           res.Record.Status,
				"links":            c.linker.Links(res.Record),
			}
			if res.SubmitErr != nil {
				out["submitError"] = res.SubmitErr.Error()
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "path to the certificate PDF")
	cmd.Flags().StringVar(&req.UID, "uid", "", "issuer-side unique id")
	cmd.Flags().StringVar(&req.CandidateName, "candidate", "", "candidate name")
	cmd.Flags().StringVar(&req.CourseName, "course", "", "course name")
	cmd.Flags().StringVar(&req.OrgName, "org", "", "issuing organisation")
	cmd.Flags().StringVar(&req.RecipientEmail, "email", "", "recipient email for the confirmation notice")
	_ = cmd.MarkFlagRequired("pdf")
	_ = cmd.MarkFlagRequired("candidate")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
