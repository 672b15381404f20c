package document

import (
	"context"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Tracker adapts the document store to the dispatcher's status callbacks.
//
// A missing document is not an error here: deleting a document mid-pipeline
// is allowed, and its remaining jobs drain as no-ops.
type Tracker struct {
	store  *Store
	logger *zap.SugaredLogger
}

// NewTracker creates a tracker over the document store.
func NewTracker(store *Store, logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tracker{store: store, logger: logger}
}

// StageStarted records that a stage began processing a document.
func (t *Tracker) StageStarted(ctx context.Context, documentID, stage string) error {
	target, ok := StartStatus(stage)
	if !ok {
		return nil // stage runs within the current status
	}
	return t.absorbDeleted(documentID, stage,
		t.store.Advance(ctx, documentID, stage, target, ""))
}

// StageSucceeded records a completed stage and, for the final stage of a
// document's pipeline, marks the document complete.
func (t *Tracker) StageSucceeded(ctx context.Context, documentID, stage string, terminal bool) error {
	target, ok := SuccessStatus(stage)
	if !ok {
		return errors.Newf("no success status mapped for stage %q", stage)
	}

	if err := t.absorbDeleted(documentID, stage,
		t.store.Advance(ctx, documentID, stage, target, "")); err != nil {
		return err
	}

	if terminal && target != StatusComplete {
		return t.absorbDeleted(documentID, stage,
			t.store.Advance(ctx, documentID, stage, StatusComplete, "pipeline finished"))
	}
	return nil
}

// StageFailed moves a document to failed after its job ran out of retries.
func (t *Tracker) StageFailed(ctx context.Context, documentID, stage string, cause error) error {
	return t.absorbDeleted(documentID, stage,
		t.store.MarkFailed(ctx, documentID, stage, cause))
}

func (t *Tracker) absorbDeleted(documentID, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrDocumentNotFound) {
		t.logger.Infow("Document deleted mid-pipeline, dropping status update",
			"document_id", documentID,
			"stage", stage)
		return nil
	}
	return err
}
