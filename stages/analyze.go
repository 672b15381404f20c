package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/pipeline/breaker"
	"github.com/parchmint/parchmint/storage"
)

// AnalyzeHandler runs the analysis service over a document's chunks,
// persists the findings, and routes financial documents into the
// extract-financials stage.
type AnalyzeHandler struct {
	documents *document.Store
	chunks    *storage.ChunkStore
	findings  *storage.FindingStore
	service   AnalysisService
	breaker   *breaker.Breaker
	cfg       config.PipelineConfig
	logger    *zap.SugaredLogger
}

// NewAnalyzeHandler wires the analyze stage.
func NewAnalyzeHandler(
	documents *document.Store,
	chunks *storage.ChunkStore,
	findings *storage.FindingStore,
	service AnalysisService,
	brk *breaker.Breaker,
	cfg config.PipelineConfig,
	logger *zap.SugaredLogger,
) *AnalyzeHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AnalyzeHandler{
		documents: documents,
		chunks:    chunks,
		findings:  findings,
		service:   service,
		breaker:   brk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Name implements pipeline.Handler.
func (h *AnalyzeHandler) Name() string { return StageAnalyze }

// analyzePayload is the optional job payload for the analyze stage. An
// explicit model tier overrides the classification-based selection.
type analyzePayload struct {
	ModelTier string `json:"model_tier,omitempty"`
}

// Handle implements pipeline.Handler.
func (h *AnalyzeHandler) Handle(ctx context.Context, job *pipeline.Job) pipeline.Outcome {
	doc, err := h.documents.Get(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, errors.ErrDocumentNotFound) {
			h.logger.Infow("Document deleted, discarding analyze job",
				"document_id", job.DocumentID)
			return pipeline.Success()
		}
		return pipeline.Retry(err)
	}

	tier := ModelTierFor(doc.Classification)
	if len(job.Payload) > 0 {
		var payload analyzePayload
		if err := job.DecodePayload(&payload); err != nil {
			return pipeline.Fatal(err)
		}
		if payload.ModelTier != "" {
			tier = payload.ModelTier
		}
	}

	chunks, err := h.chunks.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return pipeline.Retry(err)
	}
	if len(chunks) == 0 {
		// Parse committed before this job was enqueued; empty means the
		// document was re-parsed to nothing, which parse treats as fatal.
		return pipeline.Fatal(errors.NewValidationError(
			"document %s has no chunks to analyze", job.DocumentID))
	}

	var result AnalysisResult
	err = h.breaker.Call(ctx, func(ctx context.Context) error {
		var analyzeErr error
		result, analyzeErr = h.service.Analyze(ctx, job.DocumentID, tier, chunks)
		return analyzeErr
	})
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return pipeline.RetryAfter(err, h.breaker.RemainingCooldown())
		}
		if errors.IsValidation(err) {
			return pipeline.Fatal(err)
		}
		return pipeline.Retry(err)
	}

	for i := range result.Findings {
		result.Findings[i].DocumentID = job.DocumentID
		if result.Findings[i].ModelTier == "" {
			result.Findings[i].ModelTier = tier
		}
	}
	if err := h.findings.UpsertBatch(ctx, result.Findings); err != nil {
		return pipeline.Retry(err)
	}

	if result.Classification != "" {
		if err := h.documents.SetClassification(ctx, job.DocumentID, result.Classification); err != nil {
			if !errors.Is(err, errors.ErrDocumentNotFound) {
				return pipeline.Retry(err)
			}
		}
	}

	h.logger.Infow("Document analyzed",
		"document_id", job.DocumentID,
		"model_tier", tier,
		"classification", result.Classification,
		"findings", len(result.Findings))

	if result.Classification == ClassificationFinancial {
		return pipeline.Success(nextStage(h.cfg, StageExtractFinancials, job.DocumentID))
	}
	return pipeline.Success()
}
