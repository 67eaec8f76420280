// Package main is the CLI entry point for the agentcore runtime: a
// circuit-broken, tool-using chat-completion server fronting a pool of
// local and remote LLM providers.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "Circuit-broken agent loop with an OpenAI-compatible chat-completion surface",
		Version:      version + " (commit: " + commit + ")",
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildBreakerCmd(),
	)

	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("AGENTCORE_CONFIG"); path != "" {
		return path
	}
	return "agentcore.yaml"
}
