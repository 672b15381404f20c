package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/pipeline/breaker"
)

// harness is a fully wired pipeline over fakes: real queue, dispatcher,
// document tracking, and stores; fake external services.
type harness struct {
	f        *fixtures
	queue    *pipeline.Queue
	parser   *fakeParser
	embedder *fakeEmbedder
	objects  *fakeObjects
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := newFixtures(t)
	cfg := testConfig()

	queue := pipeline.NewQueue(f.db, cfg.MaxRetryDelay(), nil)
	notifier := document.NewNotifier()
	docs := document.NewStore(f.db, notifier, nil)
	f.documents = docs
	tracker := document.NewTracker(docs, nil)

	objects := &fakeObjects{blobs: map[string][]byte{}}
	parser := &fakeParser{}
	embedder := &fakeEmbedder{}

	registry := pipeline.NewRegistry()
	registry.Register(NewParseHandler(docs, objects, parser, f.chunks,
		breaker.New("parser", 5, time.Minute, time.Second, nil), cfg, nil))
	registry.Register(NewEmbedHandler(docs, f.embeds, embedder,
		breaker.New("embedding", 5, time.Minute, time.Second, nil), cfg, embedServiceConfig(), nil))
	registry.Register(NewAnalyzeHandler(docs, f.chunks, f.findings, &fakeAnalyzer{},
		breaker.New("analysis", 5, time.Minute, time.Second, nil), cfg, nil))
	registry.Register(NewFinancialsHandler(docs, objects, f.chunks, f.metrics,
		&fakeExtractor{}, nil))

	d := pipeline.NewDispatcher(queue, registry, tracker, cfg, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	return &harness{f: f, queue: queue, parser: parser, embedder: embedder, objects: objects}
}

func (h *harness) ingest(t *testing.T, id, contentType string, raw []byte) {
	t.Helper()
	ref := "blobs/" + id
	h.objects.blobs[ref] = raw
	h.f.createDocument(t, id, contentType, ref)

	sc := testConfig().Stage(StageParse)
	_, err := h.queue.Enqueue(context.Background(), pipeline.EnqueueRequest{
		Name:           StageParse,
		DocumentID:     id,
		Priority:       sc.Priority,
		SingletonKey:   pipeline.SingletonFor(id, StageParse),
		RetryLimit:     sc.RetryLimit,
		RetryDelayBase: 50 * time.Millisecond,
	})
	require.NoError(t, err)
}

func (h *harness) waitForStatus(t *testing.T, id string, want document.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		doc, err := h.f.documents.Get(context.Background(), id)
		require.NoError(t, err)
		return doc.Status == want
	}, 30*time.Second, 100*time.Millisecond, "document %s should reach %s", id, want)
}

// A financial document flows pending through every stage to complete, with
// findings, embeddings, and metrics persisted along the way.
func TestFinancialDocumentCompletesFullPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ingest(t, "doc-a", "application/pdf",
		[]byte("Quarterly revenue was strong.\nRisk: covenant breach possible."))

	h.waitForStatus(t, "doc-a", document.StatusComplete)

	chunks, err := h.f.chunks.ListByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	n, err := h.f.embeds.CountByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	findings, err := h.f.findings.ListByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	metrics, err := h.f.metrics.ListByDocument(ctx, "doc-a")
	require.NoError(t, err)
	assert.Len(t, metrics, 1)

	// Status history walked the full forward sequence
	history, err := h.f.documents.History(ctx, "doc-a")
	require.NoError(t, err)
	var statuses []document.Status
	for _, tr := range history {
		statuses = append(statuses, tr.NewStatus)
	}
	assert.Equal(t, []document.Status{
		document.StatusParsing, document.StatusParsed,
		document.StatusEmbedding, document.StatusEmbedded,
		document.StatusAnalyzing, document.StatusAnalyzed,
		document.StatusComplete,
	}, statuses)
}

// A general document finishes at analyze; no financial stage runs.
func TestGeneralDocumentCompletesAtAnalyze(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ingest(t, "doc-b", "application/pdf", []byte("Minutes of the weekly sync."))

	h.waitForStatus(t, "doc-b", document.StatusComplete)

	metrics, err := h.f.metrics.ListByDocument(ctx, "doc-b")
	require.NoError(t, err)
	assert.Empty(t, metrics)

	jobs, err := h.queue.List(ctx, pipeline.ListFilter{DocumentID: "doc-b", Name: StageExtractFinancials})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no financial stage for a general document")
}

// Transient embedding failures retry under backoff and the document still
// completes.
func TestTransientEmbedFailureRecovers(t *testing.T) {
	h := newHarness(t)
	h.embedder.failUntil = 2

	h.ingest(t, "doc-c", "application/pdf", []byte("Revenue summary."))

	h.waitForStatus(t, "doc-c", document.StatusComplete)

	jobs, err := h.queue.List(context.Background(),
		pipeline.ListFilter{DocumentID: "doc-c", Name: StageEmbed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobStateCompleted, jobs[0].State)
	assert.GreaterOrEqual(t, jobs[0].RetryCount, 1, "embed should have retried")
}

// A fatally unparseable document fails terminally with the cause recorded,
// and no downstream stages run.
func TestFatalParseFailureFailsDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ingest(t, "doc-d", "application/pdf", []byte("ENCRYPTED payload"))

	h.waitForStatus(t, "doc-d", document.StatusFailed)

	doc, err := h.f.documents.Get(ctx, "doc-d")
	require.NoError(t, err)
	assert.Contains(t, doc.LastError, "encrypted")

	jobs, err := h.queue.List(ctx, pipeline.ListFilter{DocumentID: "doc-d", Name: StageEmbed})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no embed job after fatal parse")
}
