package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Finding is one analysis result: a risk, obligation, date, party, or
// other notable item the analyze stage surfaced.
type Finding struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Kind          string    `json:"kind"` // "risk", "obligation", "date", "party", ...
	Title         string    `json:"title"`
	Detail        string    `json:"detail,omitempty"`
	Confidence    float64   `json:"confidence"`
	SourceChunkID string    `json:"source_chunk_id,omitempty"`
	SpanStart     int       `json:"span_start,omitempty"`
	SpanEnd       int       `json:"span_end,omitempty"`
	ModelTier     string    `json:"model_tier,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FindingStore persists analyze output.
type FindingStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	timeNow func() time.Time
}

// NewFindingStore creates a finding store.
func NewFindingStore(db *sql.DB, logger *zap.SugaredLogger) *FindingStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FindingStore{
		db:      db,
		logger:  logger,
		timeNow: func() time.Time { return time.Now().UTC() },
	}
}

// UpsertBatch writes findings keyed on (document, kind, title). A re-run of
// analyze refreshes detail and confidence instead of duplicating rows.
func (s *FindingStore) UpsertBatch(ctx context.Context, findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin finding transaction")
	}
	defer tx.Rollback()

	now := s.timeNow()
	for i := range findings {
		f := &findings[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO findings
				(id, document_id, kind, title, detail, confidence,
				 source_chunk_id, span_start, span_end, model_tier,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, kind, title) DO UPDATE SET
				detail = excluded.detail,
				confidence = excluded.confidence,
				source_chunk_id = excluded.source_chunk_id,
				span_start = excluded.span_start,
				span_end = excluded.span_end,
				model_tier = excluded.model_tier,
				updated_at = excluded.updated_at`,
			f.ID, f.DocumentID, f.Kind, f.Title, f.Detail, f.Confidence,
			f.SourceChunkID, f.SpanStart, f.SpanEnd, f.ModelTier,
			now, now); err != nil {
			return errors.Wrapf(err, "failed to upsert finding %q for document %s",
				f.Title, f.DocumentID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit findings")
	}

	s.logger.Debugw("Findings upserted", "count", len(findings))
	return nil
}

// ListByDocument returns a document's findings, highest confidence first.
func (s *FindingStore) ListByDocument(ctx context.Context, documentID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, kind, title, detail, confidence,
			source_chunk_id, span_start, span_end, model_tier,
			created_at, updated_at
		FROM findings
		WHERE document_id = ?
		ORDER BY confidence DESC, title ASC`, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list findings for document %s", documentID)
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.Kind, &f.Title, &f.Detail,
			&f.Confidence, &f.SourceChunkID, &f.SpanStart, &f.SpanEnd,
			&f.ModelTier, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan finding row")
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
