// Package main provides the prfactory binary entry point.
//
// Usage:
//
//	prfactory serve                        # start the orchestrator
//	prfactory serve --config config.yaml   # with a config file
//	prfactory trigger <ticket-id>          # enqueue a workflow for a ticket
//	prfactory resume <ticket-id>           # attach a resume event
//	prfactory status [ticket-id]           # inspect ticket state
//	prfactory version                      # show version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time injected.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prfactory",
		Short: "Ticket-to-PR workflow orchestrator",
		Long: `PRFactory turns tickets into pull requests through an agent workflow:
analyze the ticket, draft a plan, wait for human review, implement the
approved plan, and open the PR. Workflows suspend at human checkpoints and
resume when answers or reviews arrive.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		triggerCmd(&configPath),
		resumeCmd(&configPath),
		statusCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("prfactory %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	}
}
