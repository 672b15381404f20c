package stages

import (
	"context"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
)

// RetryResult describes what a manual document retry did.
type RetryResult struct {
	DocumentID string          `json:"document_id"`
	Stage      string          `json:"stage"`
	Status     document.Status `json:"status"`
	JobID      string          `json:"job_id,omitempty"`
}

// RetryDocument resumes a failed document at the stage that failed. The
// terminal job row for the document is reset in place, keeping its identity
// and audit trail while refreshing the retry budget, and the document status
// rewinds to that stage's entry point so earlier stages' output is kept.
// When no terminal job row exists the document restarts from parse.
func RetryDocument(ctx context.Context, queue *pipeline.Queue, documents *document.Store, cfg config.PipelineConfig, documentID string) (*RetryResult, error) {
	job, err := terminalJob(ctx, queue, documentID)
	if err != nil {
		return nil, err
	}

	stage := StageParse
	if job != nil {
		stage = job.Name
	}

	if err := documents.ResetForRetry(ctx, documentID, stage); err != nil {
		return nil, err
	}

	status, ok := document.RetryStatus(stage)
	if !ok {
		status = document.StatusPending
	}
	result := &RetryResult{DocumentID: documentID, Stage: stage, Status: status}

	if job != nil {
		reset, err := queue.ResetForRetry(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		result.JobID = reset.ID
		return result, nil
	}

	sc := cfg.Stage(StageParse)
	fresh, err := queue.Enqueue(ctx, pipeline.EnqueueRequest{
		Name:           StageParse,
		DocumentID:     documentID,
		Priority:       sc.Priority,
		SingletonKey:   pipeline.SingletonFor(documentID, StageParse),
		RetryLimit:     sc.RetryLimit,
		RetryDelayBase: sc.RetryDelayBase(),
	})
	if err != nil && !errors.Is(err, errors.ErrDuplicateSingleton) {
		return nil, err
	}
	if fresh != nil {
		result.JobID = fresh.ID
	}
	return result, nil
}

// terminalJob finds the most recent failed or expired job for the document.
func terminalJob(ctx context.Context, queue *pipeline.Queue, documentID string) (*pipeline.Job, error) {
	var newest *pipeline.Job
	for _, state := range []pipeline.JobState{pipeline.JobStateFailed, pipeline.JobStateExpired} {
		jobs, err := queue.List(ctx, pipeline.ListFilter{
			DocumentID: documentID,
			State:      state,
			Limit:      1,
		})
		if err != nil {
			return nil, err
		}
		if len(jobs) > 0 && (newest == nil || jobs[0].UpdatedAt.After(newest.UpdatedAt)) {
			newest = jobs[0]
		}
	}
	return newest, nil
}
