package storage

import (
	"context"
	"database/sql"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	// The cgo sqlite-vec bindings need a cgo sqlite3 driver linked into the
	// binary to provide the sqlite3 C symbols.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Embedding is one chunk's vector.
type Embedding struct {
	ID         string    `json:"id"`
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SearchResult is one hit from a similarity search.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Distance   float64 `json:"distance"`
}

// EmbeddingStore persists embed output and serves similarity search over
// the vec_chunks virtual table.
type EmbeddingStore struct {
	db         *sql.DB
	dimensions int
	logger     *zap.SugaredLogger

	timeNow func() time.Time
}

// NewEmbeddingStore creates an embedding store. dimensions must match the
// vec_chunks column width.
func NewEmbeddingStore(db *sql.DB, dimensions int, logger *zap.SugaredLogger) *EmbeddingStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dimensions <= 0 {
		dimensions = 768
	}
	return &EmbeddingStore{
		db:         db,
		dimensions: dimensions,
		logger:     logger,
		timeNow:    func() time.Time { return time.Now().UTC() },
	}
}

// UpsertBatch writes a batch of embeddings in one transaction, keyed on
// chunk_id. Re-embedding a chunk overwrites its vector in both tables.
func (s *EmbeddingStore) UpsertBatch(ctx context.Context, embeddings []Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin embedding transaction")
	}
	defer tx.Rollback()

	now := s.timeNow()
	for i := range embeddings {
		e := &embeddings[i]
		if len(e.Vector) != s.dimensions {
			return errors.Newf("embedding for chunk %s has %d dimensions, expected %d",
				e.ChunkID, len(e.Vector), s.dimensions)
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Dimensions = len(e.Vector)

		blob, err := sqlite_vec.SerializeFloat32(e.Vector)
		if err != nil {
			return errors.Wrapf(err, "failed to serialize vector for chunk %s", e.ChunkID)
		}

		// The chunk_id conflict keeps the original embedding id, so the
		// vec_chunks mirror row below stays keyed correctly.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_embeddings
				(id, chunk_id, document_id, model, dimensions, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				model = excluded.model,
				dimensions = excluded.dimensions,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`,
			e.ID, e.ChunkID, e.DocumentID, e.Model, e.Dimensions, blob, now, now); err != nil {
			return errors.Wrapf(err, "failed to upsert embedding for chunk %s", e.ChunkID)
		}

		var rowID string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM chunk_embeddings WHERE chunk_id = ?`, e.ChunkID).Scan(&rowID); err != nil {
			return errors.Wrapf(err, "failed to resolve embedding id for chunk %s", e.ChunkID)
		}
		e.ID = rowID

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vec_chunks WHERE embedding_id = ?`, rowID); err != nil {
			return errors.Wrapf(err, "failed to clear vector index row for chunk %s", e.ChunkID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vec_chunks (embedding_id, embedding) VALUES (?, ?)`,
			rowID, blob); err != nil {
			return errors.Wrapf(err, "failed to index vector for chunk %s", e.ChunkID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit embedding batch")
	}

	s.logger.Debugw("Embeddings upserted", "count", len(embeddings))
	return nil
}

// UnembeddedChunks returns the document's chunks that have no embedding
// yet, in order. A re-delivered embed job only pays for what is missing.
func (s *EmbeddingStore) UnembeddedChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.idx, c.kind, c.content, c.page,
			c.span_start, c.span_end, c.created_at, c.updated_at
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = ? AND e.id IS NULL
		ORDER BY c.idx ASC`, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find unembedded chunks for document %s", documentID)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Idx, &c.Kind, &c.Content,
			&c.Page, &c.SpanStart, &c.SpanEnd, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan unembedded chunk")
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountByDocument returns how many embeddings a document has.
func (s *EmbeddingStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_embeddings WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count embeddings for document %s", documentID)
	}
	return n, nil
}

// Search returns the k chunks nearest to the query vector.
func (s *EmbeddingStore) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != s.dimensions {
		return nil, errors.Newf("query vector has %d dimensions, expected %d",
			len(query), s.dimensions)
	}
	if k <= 0 {
		k = 10
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize query vector")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.chunk_id, e.document_id, c.content, v.distance
		FROM vec_chunks v
		JOIN chunk_embeddings e ON e.id = v.embedding_id
		JOIN chunks c ON c.id = e.chunk_id
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance`, blob, k)
	if err != nil {
		return nil, errors.Wrap(err, "similarity search failed")
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Content, &r.Distance); err != nil {
			return nil, errors.Wrap(err, "failed to scan search result")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
