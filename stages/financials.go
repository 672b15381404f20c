package stages

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/storage"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FinancialsHandler extracts financial metrics from analyzed documents.
// Spreadsheets are read cell-by-cell from the original workbook; everything
// else goes through the metric extractor over the parsed chunks.
type FinancialsHandler struct {
	documents *document.Store
	objects   ObjectStore
	chunks    *storage.ChunkStore
	metrics   *storage.MetricStore
	extractor MetricExtractor
	logger    *zap.SugaredLogger
}

// NewFinancialsHandler wires the extract-financials stage.
func NewFinancialsHandler(
	documents *document.Store,
	objects ObjectStore,
	chunks *storage.ChunkStore,
	metrics *storage.MetricStore,
	extractor MetricExtractor,
	logger *zap.SugaredLogger,
) *FinancialsHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FinancialsHandler{
		documents: documents,
		objects:   objects,
		chunks:    chunks,
		metrics:   metrics,
		extractor: extractor,
		logger:    logger,
	}
}

// Name implements pipeline.Handler.
func (h *FinancialsHandler) Name() string { return StageExtractFinancials }

// Handle implements pipeline.Handler.
func (h *FinancialsHandler) Handle(ctx context.Context, job *pipeline.Job) pipeline.Outcome {
	doc, err := h.documents.Get(ctx, job.DocumentID)
	if errors.Is(err, errors.ErrDocumentNotFound) {
		h.logger.Infow("Document deleted, discarding financials job",
			"document_id", job.DocumentID)
		return pipeline.Success()
	}
	if err != nil {
		return pipeline.Retry(err)
	}

	var extracted []storage.Metric
	if doc.ContentType == xlsxContentType {
		data, err := h.objects.Fetch(ctx, doc.StorageRef)
		if err != nil {
			return pipeline.Retry(errors.Wrapf(err, "failed to fetch %s", doc.StorageRef))
		}
		extracted, err = metricsFromWorkbook(data)
		if err != nil {
			return pipeline.Fatal(errors.NewValidationError(
				"workbook for document %s is unreadable: %v", job.DocumentID, err))
		}
	} else {
		chunks, err := h.chunks.ListByDocument(ctx, job.DocumentID)
		if err != nil {
			return pipeline.Retry(err)
		}
		extracted, err = h.extractor.ExtractMetrics(ctx, job.DocumentID, chunks)
		if err != nil {
			if errors.IsValidation(err) {
				return pipeline.Fatal(err)
			}
			return pipeline.Retry(err)
		}
	}

	for i := range extracted {
		extracted[i].DocumentID = job.DocumentID
	}
	if err := h.metrics.UpsertBatch(ctx, extracted); err != nil {
		return pipeline.Retry(err)
	}

	h.logger.Infow("Financial metrics extracted",
		"document_id", job.DocumentID,
		"metrics", len(extracted))

	// Terminal stage: no successors, the document completes.
	return pipeline.Success()
}

// metricsFromWorkbook reads metric rows from the first sheet. Expected
// layout is tabular: name, value, unit, period, currency, with an optional
// header row.
func metricsFromWorkbook(data []byte) ([]storage.Metric, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}

	var metrics []storage.Metric
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		name := strings.TrimSpace(strings.ToLower(row[0]))
		if name == "" || name == "name" || name == "metric" {
			continue // blank or header row
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(row[1], ",", ""), 64)
		if err != nil {
			continue // non-numeric row
		}

		m := storage.Metric{
			Name:  strings.ReplaceAll(name, " ", "_"),
			Value: value,
		}
		if len(row) > 2 {
			m.Unit = strings.TrimSpace(row[2])
		}
		if len(row) > 3 {
			m.Period = strings.TrimSpace(row[3])
		}
		if len(row) > 4 {
			m.Currency = strings.TrimSpace(row[4])
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}
