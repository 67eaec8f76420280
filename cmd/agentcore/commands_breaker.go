package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func buildBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and manage the circuit-breaker registry",
	}
	cmd.AddCommand(buildBreakerStatusCmd(), buildBreakerResetCmd())
	return cmd
}

func buildBreakerStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the state of every breaker, including persisted disable-state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBreakerStatus(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to YAML configuration file")
	return cmd
}

func runBreakerStatus(configPath string) error {
	logger := slog.Default()
	rt, err := buildRuntime(configPath, logger)
	if err != nil {
		return err
	}

	if rt.breakerDB != nil {
		persisted, err := rt.breakerDB.Load()
		if err != nil {
			return fmt.Errorf("load persisted breaker state: %w", err)
		}
		for _, p := range persisted {
			fmt.Printf("persisted: %-20s enabled=%v reason=%s\n", p.Name, p.Enabled, p.DisabledReason)
		}
	}

	for _, snap := range rt.breakers.Stats() {
		fmt.Printf("%-20s state=%-10s failures=%d/%d recovery_attempts=%d disabled=%v\n",
			snap.Name, snap.State, snap.ConsecutiveFailures, snap.TotalFailures, snap.RecoveryAttempts, snap.PermanentlyDisabled)
	}
	return nil
}

func buildBreakerResetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reset <name>",
		Short: "Reset a named breaker to closed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBreakerReset(configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to YAML configuration file")
	return cmd
}

func runBreakerReset(configPath, name string) error {
	logger := slog.Default()
	rt, err := buildRuntime(configPath, logger)
	if err != nil {
		return err
	}
	rt.breakers.Reset(name)
	fmt.Printf("breaker %q reset\n", name)
	return nil
}
