package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Hierarchical delegation coordinator for multi-agent work",
	Long: `Hivemind coordinates delegation of work from a parent agent to child
sub-agents. It tracks the delegation tree with depth and fan-out limits, and
keeps repeated delegation fast through agent pooling, shared-context caching,
and depth-aware timeout budgets.

Hivemind is built to be embedded in a larger orchestrator; this CLI exposes
its configuration and an in-process simulation of a delegation session.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(simulateCmd)
}
