package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/pipeline"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Parchmint database",
	Long: `Manage database operations.

Examples:
  parchmint db migrate   # Apply pending schema migrations
  parchmint db stats     # Show queue and document statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("Migrations applied")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and document statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()

	queue := pipeline.NewQueue(database, cfg.Pipeline.MaxRetryDelay(), nil)
	jobCounts, err := queue.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path: %s\n\n", cfg.Database.Path)

	fmt.Println("Jobs by state:")
	for _, state := range []pipeline.JobState{
		pipeline.JobStateCreated, pipeline.JobStateActive, pipeline.JobStateRetrying,
		pipeline.JobStateCompleted, pipeline.JobStateFailed, pipeline.JobStateExpired,
	} {
		fmt.Printf("  %-10s %d\n", state, jobCounts[state])
	}
	fmt.Println()

	fmt.Println("Documents by status:")
	rows, err := database.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents GROUP BY status ORDER BY status`)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		fmt.Printf("  %-10s %d\n", status, count)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Println()

	for _, table := range []string{"chunks", "chunk_embeddings", "findings", "financial_metrics", "document_stage_history"} {
		count, err := countTable(ctx, database, table)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %d\n", table+":", count)
	}
	return nil
}

func countTable(ctx context.Context, database *sql.DB, table string) (int, error) {
	var count int
	err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}
