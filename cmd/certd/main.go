package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"certchain/config"
	"certchain/observability/logging"
)

const programName = "certd"

type contextKey struct{}

var (
	globalFlags = struct {
		configFile string
		debug      bool
	}{}
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(contextKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("no config loaded")
	}
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Certificate lifecycle reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(globalFlags.configFile)
			if err != nil {
				return err
			}
			if globalFlags.debug {
				cfg.Logging.Level = "debug"
			}
			logging.Setup(logging.Options{
				Service:    programName,
				Env:        cfg.Env,
				Level:      cfg.Logging.Level,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
				Output:     cmd.ErrOrStderr(),
			})
			if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
				return fmt.Errorf("set GOMAXPROCS: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, contextKey{}, cfg))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&globalFlags.configFile, "config", os.Getenv("CERTD_CONFIG"), "path to a TOML or YAML config file")
	root.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	root.AddCommand(
		serveCommand(),
		reconcileCommand(),
		verifyCommand(),
		issueCommand(),
		exportCommand(),
		migrateCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
