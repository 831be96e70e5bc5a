package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runforge",
		Short: "RunForge - Governed Graph Execution Engine",
		Long: `RunForge executes dependency graphs of governed steps.

Features:
  - Deterministic DAG compilation and step ordering
  - Budget ceilings and OPA/rego policy rules on every step
  - Retries and per-collaborator circuit breakers for external calls
  - Hash-sealed run contracts with dry-run replay
  - Starlark and WASM step executors`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newContractsCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newReplayCommand())

	return rootCmd
}
