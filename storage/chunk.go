// Package storage persists stage outputs: content chunks, vector
// embeddings, analysis findings, and extracted financial metrics.
//
// Every writer is an upsert keyed on the natural unique constraint of its
// table, so re-running a stage after a crash or lease lapse converges on the
// same rows.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Chunk is one ordered piece of parsed document content.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Idx        int       `json:"idx"`
	Kind       string    `json:"kind"` // "text", "table", "heading"
	Content    string    `json:"content"`
	Page       int       `json:"page"`
	SpanStart  int       `json:"span_start"`
	SpanEnd    int       `json:"span_end"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChunkStore persists parse output.
type ChunkStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	timeNow func() time.Time
}

// NewChunkStore creates a chunk store.
func NewChunkStore(db *sql.DB, logger *zap.SugaredLogger) *ChunkStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ChunkStore{
		db:      db,
		logger:  logger,
		timeNow: func() time.Time { return time.Now().UTC() },
	}
}

// ReplaceForDocument atomically swaps a document's chunks for a fresh parse
// result. Existing embeddings hang off the old chunks and go with them; a
// re-parse implies a re-embed.
func (s *ChunkStore) ReplaceForDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin chunk replace transaction")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM vec_chunks WHERE embedding_id IN
			(SELECT id FROM chunk_embeddings WHERE document_id = ?)`,
		`DELETE FROM chunk_embeddings WHERE document_id = ?`,
		`DELETE FROM chunks WHERE document_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, documentID); err != nil {
			return errors.Wrapf(err, "failed to clear prior chunks for document %s", documentID)
		}
	}

	now := s.timeNow()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DocumentID = documentID
		if c.Kind == "" {
			c.Kind = "text"
		}
		c.CreatedAt = now
		c.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, idx, kind, content, page,
				span_start, span_end, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.Idx, c.Kind, c.Content, c.Page,
			c.SpanStart, c.SpanEnd, c.CreatedAt, c.UpdatedAt); err != nil {
			return errors.Wrapf(err, "failed to insert chunk %d for document %s", c.Idx, documentID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit chunks for document %s", documentID)
	}

	s.logger.Debugw("Chunks replaced",
		"document_id", documentID,
		"count", len(chunks))
	return nil
}

// ListByDocument returns a document's chunks in order.
func (s *ChunkStore) ListByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, idx, kind, content, page,
			span_start, span_end, created_at, updated_at
		FROM chunks
		WHERE document_id = ?
		ORDER BY idx ASC`, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list chunks for document %s", documentID)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Idx, &c.Kind, &c.Content,
			&c.Page, &c.SpanStart, &c.SpanEnd, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan chunk row")
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountByDocument returns how many chunks a document has.
func (s *ChunkStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count chunks for document %s", documentID)
	}
	return n, nil
}
