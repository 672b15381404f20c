package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/pipeline"
)

// JobsCmd groups pipeline job operations.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage pipeline jobs",
	Long: `Inspect and manage pipeline jobs.

Job states:
  created    - Waiting to be leased
  active     - Leased by a worker
  retrying   - Failed, scheduled for another attempt
  completed  - Finished successfully
  failed     - Retry budget exhausted or fatal error
  expired    - Lease lapses exhausted the retry budget

Examples:
  parchmint jobs ls                     # List recent jobs
  parchmint jobs ls --state failed      # List failed jobs
  parchmint jobs status <id>            # Show job details
  parchmint jobs retry <id>             # Re-run a failed or expired job
  parchmint jobs enqueue parse <doc-id> # Enqueue a stage manually`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pipeline jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(cmd, state, stage, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show details for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(cmd, args[0])
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-run a failed or expired job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRetry(cmd, args[0])
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <stage> <document-id>",
	Short: "Enqueue a stage job for a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		return runJobsEnqueue(cmd, args[0], args[1], priority)
	},
}

func init() {
	jobsLsCmd.Flags().String("state", "", "Filter by state (created, active, retrying, completed, failed, expired)")
	jobsLsCmd.Flags().String("stage", "", "Filter by stage name")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobsEnqueueCmd.Flags().Int("priority", 0, "Job priority (higher served first, 0 = stage default)")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsEnqueueCmd)
}

func openQueue() (*pipeline.Queue, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}

	queue := pipeline.NewQueue(database, cfg.Pipeline.MaxRetryDelay(), nil)
	return queue, func() { database.Close() }, nil
}

func runJobsLs(cmd *cobra.Command, state, stage string, limit int) error {
	if state != "" && !pipeline.IsValidState(state) {
		return fmt.Errorf("unknown state %q", state)
	}

	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	jobs, err := queue.List(cmd.Context(), pipeline.ListFilter{
		State: pipeline.JobState(state),
		Name:  stage,
		Limit: limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-20s %-8s %s\n", "JOB ID", "STATE", "STAGE", "RETRIES", "CREATED")
	fmt.Printf("%-36s %-10s %-20s %-8s %s\n", "------", "-----", "-----", "-------", "-------")
	for _, job := range jobs {
		fmt.Printf("%-36s %-10s %-20s %d/%-6d %s\n",
			job.ID,
			job.State,
			job.Name,
			job.RetryCount, job.RetryLimit,
			job.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, jobID string) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := queue.Get(cmd.Context(), jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job ID: %s\n", job.ID)
	fmt.Printf("  Stage: %s\n", job.Name)
	fmt.Printf("  Document: %s\n", job.DocumentID)
	fmt.Printf("  State: %s\n", job.State)
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Retries: %d/%d\n", job.RetryCount, job.RetryLimit)
	if job.LastError != "" {
		fmt.Printf("  Last error: %s\n", job.LastError)
	}
	fmt.Println()

	fmt.Printf("Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if !job.NotBefore.IsZero() && job.NotBefore.After(job.CreatedAt) {
		fmt.Printf("Not before: %s\n", job.NotBefore.Format(time.RFC3339))
	}
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.LeaseExpiresAt != nil {
		fmt.Printf("Lease expires: %s\n", job.LeaseExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runJobsRetry(cmd *cobra.Command, jobID string) error {
	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := queue.ResetForRetry(cmd.Context(), jobID)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Job %s reset to %s\n", job.ID, job.State)
	return nil
}

func runJobsEnqueue(cmd *cobra.Command, stage, documentID string, priority int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	queue, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	sc := cfg.Pipeline.Stage(stage)
	if priority == 0 {
		priority = sc.Priority
	}

	job, err := queue.Enqueue(cmd.Context(), pipeline.EnqueueRequest{
		Name:           stage,
		DocumentID:     documentID,
		Priority:       priority,
		SingletonKey:   pipeline.SingletonFor(documentID, stage),
		RetryLimit:     sc.RetryLimit,
		RetryDelayBase: sc.RetryDelayBase(),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("Enqueued %s job %s for document %s\n", stage, job.ID, documentID)
	return nil
}
