// Plannerd is a task planning daemon. It splits natural-language instructions
// into typed tasks, runs them through task handlers and streams the results
// to clients over a WebSocket.
//
// Configuration is loaded from an optional YAML file and PLANNERD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	plannerd serve --config plannerd.yaml
//
//	# Classify one instruction against a running daemon
//	plannerd classify --session s1 "Add a pricing table"
//
//	# Run a plan and print the streamed events
//	plannerd plan --session s1 "Add a pricing table and deploy it"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string
	// serverURL is the base URL used by the client commands.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plannerd",
	Short: "Task planning daemon",
	Long: `plannerd classifies instructions into edit, act and clarify tasks,
executes them against task handlers and streams step results to clients.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "plannerd server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(planCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plannerd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
