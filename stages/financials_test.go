package stages

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/parchmint/parchmint/pipeline"
)

func buildWorkbook(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	wb := excelize.NewFile()
	defer wb.Close()

	sheet := wb.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, wb.SetSheetRow(sheet, cell, &row))
	}

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))
	return buf.Bytes()
}

func TestFinancialsFromWorkbook(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	data := buildWorkbook(t, [][]interface{}{
		{"Metric", "Value", "Unit", "Period", "Currency"},
		{"Revenue", 4200, "thousands", "2026-Q2", "USD"},
		{"Net Income", "310", "thousands", "2026-Q2", "USD"},
		{"Notes", "see appendix"}, // non-numeric, skipped
	})

	f.createDocument(t, "doc-1", xlsxContentType, "blobs/doc-1")
	objects := &fakeObjects{blobs: map[string][]byte{"blobs/doc-1": data}}

	h := NewFinancialsHandler(f.documents, objects, f.chunks, f.metrics,
		&fakeExtractor{}, nil)

	outcome := h.Handle(ctx, &pipeline.Job{ID: "j1", Name: StageExtractFinancials, DocumentID: "doc-1"})
	require.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
	assert.Empty(t, outcome.Next, "extract-financials is the last stage")

	metrics, err := f.metrics.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "net_income", metrics[0].Name)
	assert.Equal(t, 310.0, metrics[0].Value)
	assert.Equal(t, "revenue", metrics[1].Name)
	assert.Equal(t, 4200.0, metrics[1].Value)
	assert.Equal(t, "2026-Q2", metrics[1].Period)
}

func TestFinancialsFromChunksViaExtractor(t *testing.T) {
	f := newFixtures(t)
	seedParsed(t, f, "doc-2", "Total revenue reached a new high this quarter.")
	ctx := context.Background()

	h := NewFinancialsHandler(f.documents, &fakeObjects{}, f.chunks, f.metrics,
		&fakeExtractor{}, nil)

	outcome := h.Handle(ctx, &pipeline.Job{ID: "j2", Name: StageExtractFinancials, DocumentID: "doc-2"})
	require.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)

	metrics, err := f.metrics.ListByDocument(ctx, "doc-2")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "revenue", metrics[0].Name)
}

func TestFinancialsCorruptWorkbookIsFatal(t *testing.T) {
	f := newFixtures(t)
	f.createDocument(t, "doc-3", xlsxContentType, "blobs/doc-3")
	objects := &fakeObjects{blobs: map[string][]byte{"blobs/doc-3": []byte("not a zip archive")}}

	h := NewFinancialsHandler(f.documents, objects, f.chunks, f.metrics,
		&fakeExtractor{}, nil)

	outcome := h.Handle(context.Background(), &pipeline.Job{ID: "j3", Name: StageExtractFinancials, DocumentID: "doc-3"})
	assert.Equal(t, pipeline.OutcomeFatal, outcome.Kind)
}

func TestFinancialsRerunConverges(t *testing.T) {
	f := newFixtures(t)
	seedParsed(t, f, "doc-4", "Revenue details follow.")
	ctx := context.Background()

	h := NewFinancialsHandler(f.documents, &fakeObjects{}, f.chunks, f.metrics,
		&fakeExtractor{}, nil)

	job := &pipeline.Job{ID: "j4", Name: StageExtractFinancials, DocumentID: "doc-4"}
	require.Equal(t, pipeline.OutcomeSuccess, h.Handle(ctx, job).Kind)
	require.Equal(t, pipeline.OutcomeSuccess, h.Handle(ctx, job).Kind)

	metrics, err := f.metrics.ListByDocument(ctx, "doc-4")
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

func TestFinancialsDeletedDocumentDiscards(t *testing.T) {
	f := newFixtures(t)

	h := NewFinancialsHandler(f.documents, &fakeObjects{}, f.chunks, f.metrics,
		&fakeExtractor{}, nil)

	outcome := h.Handle(context.Background(), &pipeline.Job{ID: "j5", Name: StageExtractFinancials, DocumentID: "gone"})
	assert.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
}
