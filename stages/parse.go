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

// ParseHandler fetches a document's raw bytes and turns them into ordered
// chunks, then fans out the embed stage.
type ParseHandler struct {
	documents *document.Store
	objects   ObjectStore
	parser    ParserEngine
	chunks    *storage.ChunkStore
	breaker   *breaker.Breaker
	cfg       config.PipelineConfig
	logger    *zap.SugaredLogger
}

// NewParseHandler wires the parse stage.
func NewParseHandler(
	documents *document.Store,
	objects ObjectStore,
	parser ParserEngine,
	chunks *storage.ChunkStore,
	brk *breaker.Breaker,
	cfg config.PipelineConfig,
	logger *zap.SugaredLogger,
) *ParseHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ParseHandler{
		documents: documents,
		objects:   objects,
		parser:    parser,
		chunks:    chunks,
		breaker:   brk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Name implements pipeline.Handler.
func (h *ParseHandler) Name() string { return StageParse }

// Handle implements pipeline.Handler.
func (h *ParseHandler) Handle(ctx context.Context, job *pipeline.Job) pipeline.Outcome {
	doc, err := h.documents.Get(ctx, job.DocumentID)
	if errors.Is(err, errors.ErrDocumentNotFound) {
		h.logger.Infow("Document deleted, discarding parse job",
			"document_id", job.DocumentID)
		return pipeline.Success()
	}
	if err != nil {
		return pipeline.Retry(err)
	}

	data, err := h.objects.Fetch(ctx, doc.StorageRef)
	if err != nil {
		return pipeline.Retry(errors.Wrapf(err, "failed to fetch %s", doc.StorageRef))
	}

	var parsed []storage.Chunk
	err = h.breaker.Call(ctx, func(ctx context.Context) error {
		var parseErr error
		parsed, parseErr = h.parser.Parse(ctx, doc.ContentType, data)
		return parseErr
	})
	if err != nil {
		if errors.IsCircuitOpen(err) {
			return pipeline.RetryAfter(err, h.breaker.RemainingCooldown())
		}
		if errors.IsValidation(err) {
			// Malformed or unsupported content never parses; retrying burns
			// budget for nothing.
			return pipeline.Fatal(err)
		}
		return pipeline.Retry(err)
	}

	if len(parsed) == 0 {
		return pipeline.Fatal(errors.NewValidationError(
			"document %s produced no content", job.DocumentID))
	}

	if err := h.chunks.ReplaceForDocument(ctx, job.DocumentID, parsed); err != nil {
		return pipeline.Retry(err)
	}

	h.logger.Infow("Document parsed",
		"document_id", job.DocumentID,
		"chunks", len(parsed))

	return pipeline.Success(nextStage(h.cfg, StageEmbed, job.DocumentID))
}
