package stages

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/pipeline/breaker"
	"github.com/parchmint/parchmint/storage"
)

// EmbedHandler vectorizes a document's chunks in batches. Each batch commits
// before the next is requested, so a retry after a mid-document failure only
// embeds what is still missing.
type EmbedHandler struct {
	documents  *document.Store
	embeddings *storage.EmbeddingStore
	service    EmbeddingService
	breaker    *breaker.Breaker
	limiter    *rate.Limiter
	cfg        config.PipelineConfig
	svcCfg     config.EmbeddingConfig
	logger     *zap.SugaredLogger
}

// NewEmbedHandler wires the embed stage. The rate limiter spreads calls to
// the embedding service across the configured per-minute allowance.
func NewEmbedHandler(
	documents *document.Store,
	embeddings *storage.EmbeddingStore,
	service EmbeddingService,
	brk *breaker.Breaker,
	cfg config.PipelineConfig,
	svcCfg config.EmbeddingConfig,
	logger *zap.SugaredLogger,
) *EmbedHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	callsPerMinute := svcCfg.MaxCallsPerMinute
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	return &EmbedHandler{
		documents:  documents,
		embeddings: embeddings,
		service:    service,
		breaker:    brk,
		limiter:    rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), 1),
		cfg:        cfg,
		svcCfg:     svcCfg,
		logger:     logger,
	}
}

// Name implements pipeline.Handler.
func (h *EmbedHandler) Name() string { return StageEmbed }

// Handle implements pipeline.Handler.
func (h *EmbedHandler) Handle(ctx context.Context, job *pipeline.Job) pipeline.Outcome {
	if _, err := h.documents.Get(ctx, job.DocumentID); err != nil {
		if errors.Is(err, errors.ErrDocumentNotFound) {
			h.logger.Infow("Document deleted, discarding embed job",
				"document_id", job.DocumentID)
			return pipeline.Success()
		}
		return pipeline.Retry(err)
	}

	pending, err := h.embeddings.UnembeddedChunks(ctx, job.DocumentID)
	if err != nil {
		return pipeline.Retry(err)
	}
	if len(pending) == 0 {
		// Prior attempt already embedded everything
		return pipeline.Success(nextStage(h.cfg, StageAnalyze, job.DocumentID))
	}

	batchSize := h.svcCfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	embedded := 0
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		if err := h.limiter.Wait(ctx); err != nil {
			return pipeline.Retry(errors.Wrap(err, "rate limiter interrupted"))
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		var vectors [][]float32
		err := h.breaker.Call(ctx, func(ctx context.Context) error {
			var embedErr error
			vectors, embedErr = h.service.Embed(ctx, texts)
			return embedErr
		})
		if err != nil {
			if errors.IsCircuitOpen(err) {
				return pipeline.RetryAfter(err, h.breaker.RemainingCooldown())
			}
			return pipeline.Retry(errors.Wrapf(err,
				"embedding failed after %d of %d chunks", embedded, len(pending)))
		}
		if len(vectors) != len(batch) {
			return pipeline.Retry(errors.Newf(
				"embedding service returned %d vectors for %d texts",
				len(vectors), len(batch)))
		}

		rows := make([]storage.Embedding, len(batch))
		for i, c := range batch {
			rows[i] = storage.Embedding{
				ChunkID:    c.ID,
				DocumentID: job.DocumentID,
				Model:      h.svcCfg.Model,
				Vector:     vectors[i],
			}
		}
		if err := h.embeddings.UpsertBatch(ctx, rows); err != nil {
			return pipeline.Retry(err)
		}
		embedded += len(batch)
	}

	h.logger.Infow("Document embedded",
		"document_id", job.DocumentID,
		"chunks", embedded)

	return pipeline.Success(nextStage(h.cfg, StageAnalyze, job.DocumentID))
}
