package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parchmint/parchmint/cmd/parchmint/commands"
	"github.com/parchmint/parchmint/logger"
)

var rootCmd = &cobra.Command{
	Use:   "parchmint",
	Short: "Parchmint - asynchronous document processing pipeline",
	Long: `Parchmint - durable document processing over SQLite.

Documents move through parse, embed, analyze, and extract-financials stages
on a persistent job queue with retry, lease recovery, and circuit breakers.

Available commands:
  serve     - Start the pipeline daemon and HTTP/WebSocket API
  db        - Database operations (migrate, stats)
  jobs      - Inspect and manage pipeline jobs
  documents - Inspect and retry documents
  version   - Show version information

Examples:
  parchmint serve                  # Start daemon in foreground
  parchmint db stats               # Show queue and document statistics
  parchmint jobs ls --state failed # List failed jobs
  parchmint documents retry <id>   # Re-run a failed document`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DocumentsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
