package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Metric is one financial figure extracted from a document, such as revenue
// for a fiscal quarter.
type Metric struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Name          string    `json:"name"` // "revenue", "net_income", ...
	Value         float64   `json:"value"`
	Unit          string    `json:"unit,omitempty"` // "thousands", "millions"
	Period        string    `json:"period"`         // "2026-Q2", "FY2025"
	Currency      string    `json:"currency,omitempty"`
	SourceChunkID string    `json:"source_chunk_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetricStore persists extract-financials output.
type MetricStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	timeNow func() time.Time
}

// NewMetricStore creates a metric store.
func NewMetricStore(db *sql.DB, logger *zap.SugaredLogger) *MetricStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MetricStore{
		db:      db,
		logger:  logger,
		timeNow: func() time.Time { return time.Now().UTC() },
	}
}

// UpsertBatch writes metrics keyed on (document, name, period).
func (s *MetricStore) UpsertBatch(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin metric transaction")
	}
	defer tx.Rollback()

	now := s.timeNow()
	for i := range metrics {
		m := &metrics[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO financial_metrics
				(id, document_id, name, value, unit, period, currency,
				 source_chunk_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, name, period) DO UPDATE SET
				value = excluded.value,
				unit = excluded.unit,
				currency = excluded.currency,
				source_chunk_id = excluded.source_chunk_id,
				updated_at = excluded.updated_at`,
			m.ID, m.DocumentID, m.Name, m.Value, m.Unit, m.Period, m.Currency,
			m.SourceChunkID, now, now); err != nil {
			return errors.Wrapf(err, "failed to upsert metric %s/%s for document %s",
				m.Name, m.Period, m.DocumentID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit metrics")
	}

	s.logger.Debugw("Metrics upserted", "count", len(metrics))
	return nil
}

// ListByDocument returns a document's metrics grouped by period.
func (s *MetricStore) ListByDocument(ctx context.Context, documentID string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, name, value, unit, period, currency,
			source_chunk_id, created_at, updated_at
		FROM financial_metrics
		WHERE document_id = ?
		ORDER BY period ASC, name ASC`, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list metrics for document %s", documentID)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Name, &m.Value, &m.Unit,
			&m.Period, &m.Currency, &m.SourceChunkID,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan metric row")
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
