package stages

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	ptest "github.com/parchmint/parchmint/internal/testing"
	"github.com/parchmint/parchmint/storage"
)

// fakeObjects serves raw bytes by storage ref.
type fakeObjects struct {
	blobs map[string][]byte
}

func (f *fakeObjects) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, ok := f.blobs[ref]
	if !ok {
		return nil, errors.Newf("blob %s not found", ref)
	}
	return data, nil
}

// fakeParser splits input on newlines, one chunk per line. Inputs containing
// "ENCRYPTED" fail validation; failUntil makes the first N calls flake.
type fakeParser struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (f *fakeParser) Parse(ctx context.Context, contentType string, data []byte) ([]storage.Chunk, error) {
	f.mu.Lock()
	f.calls++
	flake := f.calls <= f.failUntil
	f.mu.Unlock()

	if flake {
		return nil, errors.WrapTransient(errors.New("parser service unavailable"), "parse")
	}
	text := string(data)
	if strings.Contains(text, "ENCRYPTED") {
		return nil, errors.NewValidationError("document is encrypted")
	}

	var chunks []storage.Chunk
	for i, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" {
			continue
		}
		chunks = append(chunks, storage.Chunk{Idx: i, Content: line, Page: 1})
	}
	return chunks, nil
}

// fakeEmbedder returns deterministic vectors; failUntil makes early calls
// flake for retry scenarios.
type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	dims      int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	flake := f.calls <= f.failUntil
	f.mu.Unlock()

	if flake {
		return nil, errors.WrapTransient(errors.New("embedding service 503"), "embed")
	}
	dims := f.dims
	if dims == 0 {
		dims = 768
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, dims)
		v[len(text)%dims] = 1
		vectors[i] = v
	}
	return vectors, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAnalyzer classifies documents mentioning revenue as financial and
// emits one finding per chunk containing "risk". It records the tier each
// call requested.
type fakeAnalyzer struct {
	mu    sync.Mutex
	tiers []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, documentID, modelTier string, chunks []storage.Chunk) (AnalysisResult, error) {
	f.mu.Lock()
	f.tiers = append(f.tiers, modelTier)
	f.mu.Unlock()

	result := AnalysisResult{Classification: "general"}
	for _, c := range chunks {
		lower := strings.ToLower(c.Content)
		if strings.Contains(lower, "revenue") {
			result.Classification = ClassificationFinancial
		}
		if strings.Contains(lower, "risk") {
			result.Findings = append(result.Findings, storage.Finding{
				Kind:          "risk",
				Title:         c.Content,
				Confidence:    0.8,
				SourceChunkID: c.ID,
			})
		}
	}
	return result, nil
}

func (f *fakeAnalyzer) requestedTiers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tiers...)
}

// fakeExtractor pulls "<name>: <value>" pairs out of chunk text.
type fakeExtractor struct{}

func (f *fakeExtractor) ExtractMetrics(ctx context.Context, documentID string, chunks []storage.Chunk) ([]storage.Metric, error) {
	var metrics []storage.Metric
	for _, c := range chunks {
		lower := strings.ToLower(c.Content)
		if strings.Contains(lower, "revenue") {
			metrics = append(metrics, storage.Metric{
				Name:          "revenue",
				Value:         4200,
				Unit:          "thousands",
				Period:        "2026-Q2",
				SourceChunkID: c.ID,
			})
		}
	}
	return metrics, nil
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Workers:               2,
		PollIntervalSeconds:   1,
		BatchSize:             4,
		LeaseDurationSeconds:  60,
		ReapIntervalSeconds:   60,
		HandlerTimeoutSeconds: 10,
		MaxRetryDelaySeconds:  600,
	}
}

type fixtures struct {
	db        *sql.DB
	documents *document.Store
	chunks    *storage.ChunkStore
	embeds    *storage.EmbeddingStore
	findings  *storage.FindingStore
	metrics   *storage.MetricStore
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	db := ptest.CreateTestDB(t)
	return &fixtures{
		db:        db,
		documents: document.NewStore(db, nil, nil),
		chunks:    storage.NewChunkStore(db, nil),
		embeds:    storage.NewEmbeddingStore(db, 768, nil),
		findings:  storage.NewFindingStore(db, nil),
		metrics:   storage.NewMetricStore(db, nil),
	}
}

// seedParsed creates a document whose parse stage already ran, one chunk per
// line.
func seedParsed(t *testing.T, f *fixtures, id string, lines ...string) []storage.Chunk {
	t.Helper()
	f.createDocument(t, id, "application/pdf", "blobs/"+id)
	chunks := make([]storage.Chunk, len(lines))
	for i, line := range lines {
		chunks[i] = storage.Chunk{Idx: i, Content: line, Page: 1}
	}
	require.NoError(t, f.chunks.ReplaceForDocument(context.Background(), id, chunks))
	stored, err := f.chunks.ListByDocument(context.Background(), id)
	require.NoError(t, err)
	return stored
}

func (f *fixtures) createDocument(t *testing.T, id, contentType, storageRef string) {
	t.Helper()
	require.NoError(t, f.documents.Create(context.Background(), &document.Document{
		ID:          id,
		Filename:    id + ".pdf",
		ContentType: contentType,
		StorageRef:  storageRef,
	}))
}
