package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/provisioning-gateway/pkg/gateway"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway ports, listeners and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger

			gw, err := gateway.New(
				gateway.WithFileConfig(opts.configPath),
				gateway.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := gw.Start(ctx); err != nil {
				return fmt.Errorf("start gateway: %w", err)
			}

			<-ctx.Done()
			logger.Info("shutdown signal received, draining in-flight runs",
				slog.Duration("timeout", shutdownTimeout),
			)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := gw.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight runs to finish")
	return cmd
}
