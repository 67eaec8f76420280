package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/health"
)

func buildDoctorCmd() *cobra.Command {
	var configPath string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Load configuration, probe every configured tool server, and print health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), configPath, wait)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to YAML configuration file")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for probes to complete")
	return cmd
}

func runDoctor(ctx context.Context, configPath string, wait time.Duration) error {
	logger := slog.Default()

	rt, err := buildRuntime(configPath, logger)
	if err != nil {
		return err
	}
	// Force an immediate probe round instead of waiting on the default
	// staggered warm-up delays.
	rt.scheduler = health.New(health.Config{WarmupDelays: []time.Duration{0}}, rt.mcpMgr, rt.breakers, logger)

	probeCtx, cancel := context.WithTimeout(ctx, wait+5*time.Second)
	defer cancel()

	if err := rt.mcpMgr.Start(probeCtx); err != nil {
		return fmt.Errorf("start mcp manager: %w", err)
	}
	defer func() { _ = rt.mcpMgr.Stop() }()

	rt.scheduler.Start(probeCtx)
	defer rt.scheduler.Stop()

	select {
	case <-time.After(wait):
	case <-probeCtx.Done():
	}

	fmt.Printf("default provider: %s\n", rt.cfg.LLM.DefaultProvider)
	fmt.Printf("internet offline: %v\n", rt.scheduler.Offline())

	snapshots := rt.scheduler.Snapshots()
	if len(snapshots) == 0 {
		fmt.Println("no tool servers configured")
		return nil
	}
	for _, snap := range snapshots {
		status := "healthy"
		if !snap.Healthy {
			status = "unhealthy: " + snap.LastError
		}
		fmt.Printf("%-20s %s (checked %s)\n", snap.Provider, status, snap.CheckedAt.Format(time.RFC3339))
	}
	return nil
}
