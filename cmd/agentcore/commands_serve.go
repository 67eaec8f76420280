package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/apiserver"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent loop and the chat-completion HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.Default()

	rt, err := buildRuntime(configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.start(ctx); err != nil {
		return err
	}
	defer rt.stop()

	server := apiserver.NewServer(rt.apiServerConfig(), rt.loop, rt.finalizer, rt.authSvc, rt.scheduler, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	logger.Info("agentcore serving",
		"host", rt.cfg.Server.Host,
		"http_port", rt.cfg.Server.HTTPPort,
		"metrics_port", rt.cfg.Server.MetricsPort,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Stop(shutdownCtx)

	logger.Info("agentcore stopped")
	return nil
}
