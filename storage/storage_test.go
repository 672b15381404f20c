package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptest "github.com/parchmint/parchmint/internal/testing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return ptest.CreateTestDB(t)
}

func createDocRow(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO documents (id, filename, status, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?)`,
		id, id+".pdf", now, now)
	require.NoError(t, err)
}

// testVector pads the leading values out to the vec_chunks column width.
func testVector(values ...float32) []float32 {
	v := make([]float32, 768)
	copy(v, values)
	return v
}

func seedChunks(t *testing.T, db *sql.DB, documentID string, contents ...string) []Chunk {
	t.Helper()
	store := NewChunkStore(db, nil)
	chunks := make([]Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = Chunk{Idx: i, Content: content, Page: i/2 + 1}
	}
	require.NoError(t, store.ReplaceForDocument(context.Background(), documentID, chunks))

	stored, err := store.ListByDocument(context.Background(), documentID)
	require.NoError(t, err)
	return stored
}
