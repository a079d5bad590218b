package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"certchain/api"
	"certchain/broadcast"
	"certchain/observability/otel"
	"certchain/recon"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation scheduler and the verification API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := otel.Init(ctx, otel.Config{
				ServiceName: programName,
				Environment: cfg.Env,
				Endpoint:    cfg.Telemetry.Endpoint,
				Insecure:    cfg.Telemetry.Insecure,
				Headers:     cfg.Telemetry.Headers,
				Traces:      cfg.Telemetry.Traces,
				Metrics:     cfg.Telemetry.Metrics,
			})
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTelemetry(flushCtx)
			}()

			c, err := wire(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			engine, err := c.engine()
			if err != nil {
				return err
			}
			scheduler, err := recon.NewScheduler(recon.SchedulerConfig{
				Runner:         engine,
				Health:         c.ledger,
				BurstInterval:  cfg.Recon.BurstInterval.Duration,
				BurstCount:     cfg.Recon.BurstCount,
				SteadyInterval: cfg.Recon.SteadyInterval.Duration,
				HealthInterval: cfg.Recon.HealthInterval.Duration,
				BatchLimit:     cfg.Recon.BatchLimit,
				ShutdownGrace:  cfg.Recon.ShutdownGrace.Duration,
				Logger:         c.logger,
				Metrics:        c.metrics,
			})
			if err != nil {
				return err
			}

			resolver, err := c.resolver()
			if err != nil {
				return err
			}
			apiCfg := api.Config{
				Resolver: resolver,
				Live:     broadcast.NewHandler(c.hub, c.logger, cfg.API.AllowedOrigins...),
				Checks: map[string]api.HealthCheck{
					"store":  c.store.Ping,
					"ledger": c.ledger.Healthy,
				},
				RateLimit: api.RateLimit{
					RequestsPerMinute: float64(cfg.API.RequestsPerMinute),
					Burst:             cfg.API.Burst,
				},
				Logger: c.logger,
			}
			if c.local != nil {
				apiCfg.Content = c.local
			}
			server, err := api.New(apiCfg)
			if err != nil {
				return err
			}
			httpServer := &http.Server{
				Addr:              cfg.Listen,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			serveErr := make(chan error, 1)
			go func() {
				slog.Info("http listening", "addr", cfg.Listen)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			var runErr error
			select {
			case <-ctx.Done():
				slog.Info("shutdown requested")
			case err := <-serveErr:
				runErr = err
			}

			if err := scheduler.Stop(); err != nil && !errors.Is(err, recon.ErrSchedulerNotStarted) {
				slog.Warn("scheduler stop", "error", err)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Recon.ShutdownGrace.Duration)
			defer cancel()
			// Closing the hub ends open websocket streams so Shutdown can drain.
			c.hub.Close()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
			return runErr
		},
	}
}
