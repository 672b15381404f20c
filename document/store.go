package document

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// casAttempts bounds the optimistic-update retry loop in Advance. Conflicts
// mean another worker moved the status concurrently; after re-reading a few
// times one side always wins or turns out stale.
const casAttempts = 3

// Store persists documents and their status history.
type Store struct {
	db       *sql.DB
	notifier *Notifier
	logger   *zap.SugaredLogger

	// timeNow is injectable for tests
	timeNow func() time.Time
}

// NewStore creates a document store. notifier may be nil when no one listens
// for status changes.
func NewStore(db *sql.DB, notifier *Notifier, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:       db,
		notifier: notifier,
		logger:   logger,
		timeNow:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new document, defaulting status to pending.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	now := s.timeNow()
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, filename, content_type, storage_ref, classification,
			status, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.ContentType, doc.StorageRef,
		doc.Classification, string(doc.Status), doc.LastError,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to create document %s", doc.ID)
	}
	return nil
}

const documentColumns = `id, filename, content_type, storage_ref,
	classification, status, last_error, created_at, updated_at`

func scanDocument(scanner interface{ Scan(...interface{}) error }) (*Document, error) {
	var doc Document
	var status string
	err := scanner.Scan(
		&doc.ID, &doc.Filename, &doc.ContentType, &doc.StorageRef,
		&doc.Classification, &status, &doc.LastError,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = Status(status)
	return &doc, nil
}

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Mark(
			errors.Newf("document %s not found", id),
			errors.ErrDocumentNotFound,
		)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get document %s", id)
	}
	return doc, nil
}

// SetClassification records the document class the analyze stage decided
// ("financial", "legal", "general", ...).
func (s *Store) SetClassification(ctx context.Context, id, classification string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET classification = ?, updated_at = ? WHERE id = ?`,
		classification, s.timeNow(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to classify document %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(
			errors.Newf("document %s not found", id),
			errors.ErrDocumentNotFound,
		)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns documents, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list documents")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan document row")
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// History returns a document's status transitions, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]StageTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, stage, old_status, new_status, detail, created_at
		FROM document_stage_history
		WHERE document_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load history for document %s", id)
	}
	defer rows.Close()

	var history []StageTransition
	for rows.Next() {
		var tr StageTransition
		var oldStatus, newStatus string
		if err := rows.Scan(&tr.DocumentID, &tr.Stage, &oldStatus, &newStatus,
			&tr.Detail, &tr.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		tr.OldStatus = Status(oldStatus)
		tr.NewStatus = Status(newStatus)
		history = append(history, tr)
	}
	return history, rows.Err()
}

// Delete removes a document along with its history and stage outputs.
// In-flight jobs for a deleted document discard their work when they next
// check existence.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin delete for document %s", id)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM vec_chunks WHERE embedding_id IN
			(SELECT id FROM chunk_embeddings WHERE document_id = ?)`,
		`DELETE FROM chunk_embeddings WHERE document_id = ?`,
		`DELETE FROM chunks WHERE document_id = ?`,
		`DELETE FROM findings WHERE document_id = ?`,
		`DELETE FROM financial_metrics WHERE document_id = ?`,
		`DELETE FROM document_stage_history WHERE document_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return errors.Wrapf(err, "failed to delete dependents of document %s", id)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete document %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(
			errors.Newf("document %s not found", id),
			errors.ErrDocumentNotFound,
		)
	}
	return errors.Wrapf(tx.Commit(), "failed to commit delete for document %s", id)
}

// Advance moves a document's status toward target through the state machine.
// Stale targets are silently absorbed. The write is a compare-and-swap on
// the current status, retried on conflict with a concurrent writer.
func (s *Store) Advance(ctx context.Context, id, stage string, target Status, detail string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		next, err := Transition(doc.Status, target)
		if err != nil {
			return err
		}
		if next == doc.Status {
			return nil // stale event, nothing to write
		}

		ok, err := s.swapStatus(ctx, id, stage, doc.Status, next, detail, "")
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Lost the race; re-read and re-evaluate.
	}
	return errors.Newf("document %s status contended beyond %d attempts", id, casAttempts)
}

// MarkFailed moves a document to failed with the failure recorded. Failed
// absorbs from any non-terminal status; failing an already-failed document
// is a no-op.
func (s *Store) MarkFailed(ctx context.Context, id, stage string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status == StatusFailed {
			return nil
		}
		if doc.Status == StatusComplete {
			return errors.Mark(
				errors.Newf("document %s is complete; cannot fail", id),
				errors.ErrInvalidTransition,
			)
		}

		ok, err := s.swapStatus(ctx, id, stage, doc.Status, StatusFailed, msg, msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Newf("document %s status contended beyond %d attempts", id, casAttempts)
}

// ResetForRetry rewinds a failed document to the entry status of the stage
// being retried, so the pipeline resumes there instead of starting over.
// An unrecognized stage rewinds all the way to pending.
func (s *Store) ResetForRetry(ctx context.Context, id, stage string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != StatusFailed {
		return errors.Mark(
			errors.Newf("document %s is %s, not failed; nothing to retry", id, doc.Status),
			errors.ErrInvalidTransition,
		)
	}

	target, ok := RetryStatus(stage)
	if !ok {
		target = StatusPending
	}
	ok, err = s.swapStatus(ctx, id, stage, StatusFailed, target, "manual retry", "")
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("document %s changed status during retry reset", id)
	}
	return nil
}

// swapStatus performs the conditional status write plus history append and
// notification. Returns false when the current-status predicate missed.
func (s *Store) swapStatus(ctx context.Context, id, stage string, from, to Status, detail, lastError string) (bool, error) {
	now := s.timeNow()

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), lastError, now, id, string(from))
	if err != nil {
		return false, errors.Wrapf(err, "failed to update status for document %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read rows affected for document %s", id)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_stage_history
			(document_id, stage, old_status, new_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, stage, string(from), string(to), detail, now); err != nil {
		return false, errors.Wrapf(err, "failed to append history for document %s", id)
	}

	s.logger.Infow("Document status changed",
		"document_id", id,
		"stage", stage,
		"from", from,
		"to", to)

	if s.notifier != nil {
		s.notifier.Publish(StatusUpdate{
			DocumentID: id,
			OldStatus:  from,
			Status:     to,
			Stage:      stage,
			Detail:     detail,
			At:         now,
		})
	}
	return true, nil
}
