package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	ptest "github.com/parchmint/parchmint/internal/testing"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/stages"
	"github.com/parchmint/parchmint/storage"
)

// staticEmbedder returns a fixed unit vector for any text.
type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, 768)
		v[0] = 1
		vectors[i] = v
	}
	return vectors, nil
}

type testEnv struct {
	server    *Server
	documents *document.Store
	queue     *pipeline.Queue
	chunks    *storage.ChunkStore
	embeds    *storage.EmbeddingStore
	notifier  *document.Notifier
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	db := ptest.CreateTestDB(t)

	cfg := config.Config{
		Server: config.ServerConfig{Port: 0, AllowedOrigins: []string{"*"}},
		Pipeline: config.PipelineConfig{
			Workers:               1,
			PollIntervalSeconds:   1,
			BatchSize:             4,
			LeaseDurationSeconds:  60,
			ReapIntervalSeconds:   60,
			HandlerTimeoutSeconds: 10,
			MaxRetryDelaySeconds:  600,
		},
	}

	queue := pipeline.NewQueue(db, cfg.Pipeline.MaxRetryDelay(), nil)
	notifier := document.NewNotifier()
	docs := document.NewStore(db, notifier, nil)
	dispatcher := pipeline.NewDispatcher(queue, pipeline.NewRegistry(),
		document.NewTracker(docs, nil), cfg.Pipeline, nil)

	srv := New(cfg, Deps{
		Queue:      queue,
		Dispatcher: dispatcher,
		Documents:  docs,
		Notifier:   notifier,
		Embeddings: storage.NewEmbeddingStore(db, 768, nil),
		Findings:   storage.NewFindingStore(db, nil),
		Metrics:    storage.NewMetricStore(db, nil),
		Embedder:   staticEmbedder{},
	}, nil)

	return &testEnv{
		server:    srv,
		documents: docs,
		queue:     queue,
		chunks:    storage.NewChunkStore(db, nil),
		embeds:    storage.NewEmbeddingStore(db, 768, nil),
		notifier:  notifier,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestIngestCreatesDocumentAndParseJob(t *testing.T) {
	e := newTestServer(t)

	rec := e.request(t, http.MethodPost, "/api/documents", map[string]string{
		"filename":     "q3-earnings.pdf",
		"content_type": "application/pdf",
		"storage_ref":  "blobs/q3-earnings.pdf",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Document document.Document `json:"document"`
		JobID    string            `json:"job_id"`
	}
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Document.ID)
	assert.Equal(t, document.StatusPending, resp.Document.Status)
	assert.NotEmpty(t, resp.JobID)

	jobs, err := e.queue.List(context.Background(), pipeline.ListFilter{Name: stages.StageParse})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestIngestTwiceDoesNotDuplicateJob(t *testing.T) {
	e := newTestServer(t)
	body := map[string]string{
		"id":           "doc-1",
		"filename":     "report.pdf",
		"content_type": "application/pdf",
		"storage_ref":  "blobs/report.pdf",
	}

	require.Equal(t, http.StatusCreated, e.request(t, http.MethodPost, "/api/documents", body).Code)
	require.Equal(t, http.StatusOK, e.request(t, http.MethodPost, "/api/documents", body).Code)

	jobs, err := e.queue.List(context.Background(), pipeline.ListFilter{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "re-ingest must not enqueue a second parse job")
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	e := newTestServer(t)

	rec := e.request(t, http.MethodPost, "/api/documents", map[string]string{
		"filename": "missing-fields.pdf",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(t, http.MethodPost, "/api/documents", map[string]interface{}{
		"filename":     "x.pdf",
		"content_type": "application/pdf",
		"storage_ref":  "blobs/x.pdf",
		"surprise":     true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields rejected")
}

func TestGetDocumentWithHistory(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-2", Filename: "a.pdf"}))
	require.NoError(t, e.documents.Advance(ctx, "doc-2", "parse", document.StatusParsing, ""))

	rec := e.request(t, http.MethodGet, "/api/documents/doc-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Document document.Document          `json:"document"`
		History  []document.StageTransition `json:"history"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, document.StatusParsing, resp.Document.Status)
	require.Len(t, resp.History, 1)
	assert.Equal(t, document.StatusParsing, resp.History[0].NewStatus)

	rec = e.request(t, http.MethodGet, "/api/documents/doc-2/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statusResp struct {
		DocumentID   string                     `json:"document_id"`
		Status       document.Status            `json:"status"`
		StageHistory []document.StageTransition `json:"stage_history"`
	}
	decodeBody(t, rec, &statusResp)
	assert.Equal(t, "doc-2", statusResp.DocumentID)
	assert.Equal(t, document.StatusParsing, statusResp.Status)
	assert.Len(t, statusResp.StageHistory, 1)

	assert.Equal(t, http.StatusNotFound, e.request(t, http.MethodGet, "/api/documents/ghost", nil).Code)
}

func TestRetryFailedDocument(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-3", Filename: "b.pdf"}))
	require.NoError(t, e.documents.Advance(ctx, "doc-3", "parse", document.StatusParsing, ""))
	require.NoError(t, e.documents.MarkFailed(ctx, "doc-3", "parse", fmt.Errorf("parser crash")))

	rec := e.request(t, http.MethodPost, "/api/documents/doc-3/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	doc, err := e.documents.Get(ctx, "doc-3")
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, doc.Status)

	jobs, err := e.queue.List(ctx, pipeline.ListFilter{DocumentID: "doc-3", Name: stages.StageParse})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// A document that is not failed cannot be retried
	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-4", Filename: "c.pdf"}))
	assert.Equal(t, http.StatusConflict, e.request(t, http.MethodPost, "/api/documents/doc-4/retry", nil).Code)
}

func TestRetryDocumentResumesAtFailedStage(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-3b", Filename: "e.pdf"}))
	require.NoError(t, e.documents.Advance(ctx, "doc-3b", "parse", document.StatusParsing, ""))
	require.NoError(t, e.documents.Advance(ctx, "doc-3b", "parse", document.StatusParsed, ""))
	require.NoError(t, e.documents.Advance(ctx, "doc-3b", "embed", document.StatusEmbedding, ""))

	job, err := e.queue.Enqueue(ctx, pipeline.EnqueueRequest{
		Name: stages.StageEmbed, DocumentID: "doc-3b", RetryLimit: 1,
	})
	require.NoError(t, err)
	_, err = e.queue.Lease(ctx, []string{stages.StageEmbed}, 1, time.Minute)
	require.NoError(t, err)
	terminal, err := e.queue.Fail(ctx, job.ID, fmt.Errorf("embedding service down"), false, 0)
	require.NoError(t, err)
	require.True(t, terminal)
	require.NoError(t, e.documents.MarkFailed(ctx, "doc-3b", "embed", fmt.Errorf("embedding service down")))

	rec := e.request(t, http.MethodPost, "/api/documents/doc-3b/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		DocumentID string `json:"document_id"`
		Stage      string `json:"stage"`
		Status     string `json:"status"`
		JobID      string `json:"job_id"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, stages.StageEmbed, resp.Stage)
	assert.Equal(t, string(document.StatusParsed), resp.Status)
	assert.Equal(t, job.ID, resp.JobID, "the failed job row is reset in place, not replaced")

	doc, err := e.documents.Get(ctx, "doc-3b")
	require.NoError(t, err)
	assert.Equal(t, document.StatusParsed, doc.Status, "parse output survives the retry")

	got, err := e.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobStateCreated, got.State)
	assert.Equal(t, 0, got.RetryCount)

	parseJobs, err := e.queue.List(ctx, pipeline.ListFilter{DocumentID: "doc-3b", Name: stages.StageParse})
	require.NoError(t, err)
	assert.Empty(t, parseJobs, "resuming at embed must not enqueue a fresh parse")
}

func TestDeleteDocument(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-5", Filename: "d.pdf"}))
	assert.Equal(t, http.StatusNoContent, e.request(t, http.MethodDelete, "/api/documents/doc-5", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.request(t, http.MethodDelete, "/api/documents/doc-5", nil).Code)
}

func TestListAndRetryJobs(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	job, err := e.queue.Enqueue(ctx, pipeline.EnqueueRequest{
		Name: "parse", DocumentID: "doc-6", RetryLimit: 1,
	})
	require.NoError(t, err)

	rec := e.request(t, http.MethodGet, "/api/jobs?state=created", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Jobs   []pipeline.Job `json:"jobs"`
		Counts map[string]int `json:"counts"`
	}
	decodeBody(t, rec, &listResp)
	require.Len(t, listResp.Jobs, 1)
	assert.Equal(t, 1, listResp.Counts["created"])

	assert.Equal(t, http.StatusBadRequest,
		e.request(t, http.MethodGet, "/api/jobs?state=sideways", nil).Code)

	// Fail the job terminally, then retry it over the API
	_, err = e.queue.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)
	terminal, err := e.queue.Fail(ctx, job.ID, fmt.Errorf("boom"), false, 0)
	require.NoError(t, err)
	require.True(t, terminal)

	rec = e.request(t, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := e.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobStateCreated, got.State)

	assert.Equal(t, http.StatusNotFound,
		e.request(t, http.MethodPost, "/api/jobs/nope/retry", nil).Code)
}

func TestSearchReturnsNearestChunks(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, e.documents.Create(ctx, &document.Document{ID: "doc-7", Filename: "e.pdf"}))
	require.NoError(t, e.chunks.ReplaceForDocument(ctx, "doc-7", []storage.Chunk{
		{Idx: 0, Content: "The indemnity cap is two times fees."},
	}))
	chunks, err := e.chunks.ListByDocument(ctx, "doc-7")
	require.NoError(t, err)

	v := make([]float32, 768)
	v[0] = 1
	require.NoError(t, e.embeds.UpsertBatch(ctx, []storage.Embedding{
		{ChunkID: chunks[0].ID, DocumentID: "doc-7", Vector: v},
	}))

	rec := e.request(t, http.MethodPost, "/api/search", map[string]interface{}{
		"query": "indemnity cap", "k": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results []storage.SearchResult `json:"results"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Content, "indemnity")

	assert.Equal(t, http.StatusBadRequest,
		e.request(t, http.MethodPost, "/api/search", map[string]string{}).Code)
}

func TestHealthAndStats(t *testing.T) {
	e := newTestServer(t)

	assert.Equal(t, http.StatusOK, e.request(t, http.MethodGet, "/api/health", nil).Code)

	rec := e.request(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Workers)
}

func TestWebSocketReceivesStatusUpdates(t *testing.T) {
	e := newTestServer(t)
	e.server.hub.Run()
	defer e.server.hub.Stop()

	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return e.server.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.notifier.Publish(document.StatusUpdate{
		DocumentID: "doc-8",
		Status:     document.StatusParsing,
		Stage:      "parse",
		At:         time.Now().UTC(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "document_status", msg.Type)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var update document.StatusUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "doc-8", update.DocumentID)
	assert.Equal(t, document.StatusParsing, update.Status)
}
