package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/stages"
)

// DocumentsCmd groups document operations.
var DocumentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect and retry documents",
	Long: `Inspect and retry tracked documents.

Examples:
  parchmint documents ls                  # List recent documents
  parchmint documents ls --status failed  # List failed documents
  parchmint documents retry <id>          # Rewind a failed document and re-run it`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var documentsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runDocumentsLs(cmd, status, limit)
	},
}

var documentsRetryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Resume a failed document at the stage that failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDocumentsRetry(cmd, args[0])
	},
}

func init() {
	documentsLsCmd.Flags().String("status", "", "Filter by status")
	documentsLsCmd.Flags().Int("limit", 20, "Maximum number of documents to display")

	DocumentsCmd.AddCommand(documentsLsCmd)
	DocumentsCmd.AddCommand(documentsRetryCmd)
}

func runDocumentsLs(cmd *cobra.Command, status string, limit int) error {
	if status != "" && !document.Status(status).IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := document.NewStore(database, document.NewNotifier(), nil)
	docs, err := store.List(cmd.Context(), document.ListFilter{
		Status: document.Status(status),
		Limit:  limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	if len(docs) == 0 {
		fmt.Println("No documents found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-12s %s\n", "DOCUMENT ID", "STATUS", "CLASS", "FILENAME")
	fmt.Printf("%-36s %-10s %-12s %s\n", "-----------", "------", "-----", "--------")
	for _, doc := range docs {
		class := doc.Classification
		if class == "" {
			class = "-"
		}
		fmt.Printf("%-36s %-10s %-12s %s\n", doc.ID, doc.Status, class, doc.Filename)
	}
	fmt.Printf("\nTotal: %d document(s)\n", len(docs))
	return nil
}

func runDocumentsRetry(cmd *cobra.Command, documentID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := document.NewStore(database, document.NewNotifier(), nil)
	queue := pipeline.NewQueue(database, cfg.Pipeline.MaxRetryDelay(), nil)

	result, err := stages.RetryDocument(cmd.Context(), queue, store, cfg.Pipeline, documentID)
	if err != nil {
		return fmt.Errorf("failed to retry document: %w", err)
	}

	if result.JobID != "" {
		fmt.Printf("Document %s rewound to %s, %s job %s ready\n",
			documentID, result.Status, result.Stage, result.JobID)
	} else {
		fmt.Printf("Document %s rewound to %s, %s job already queued\n",
			documentID, result.Status, result.Stage)
	}
	return nil
}
