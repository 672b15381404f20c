// Package stages implements the document pipeline's stage handlers and the
// client interfaces for the external services they call.
//
// Each handler is idempotent and safe under at-least-once delivery: outputs
// are upserts, and work already persisted by a prior attempt is skipped.
package stages

import (
	"context"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/storage"
)

// Stage names, in pipeline order.
const (
	StageParse             = "parse"
	StageEmbed             = "embed"
	StageAnalyze           = "analyze"
	StageExtractFinancials = "extract-financials"
)

// ClassificationFinancial marks documents that get the extract-financials
// stage after analysis.
const ClassificationFinancial = "financial"

// Analysis model tiers, in ascending capability and cost.
const (
	ModelTierCheap   = "cheap"
	ModelTierDefault = "default"
	ModelTierDeep    = "deep"
)

// ModelTierFor picks the analysis tier for a document classification: deep
// for financial documents, cheap for anything already classified as
// something else, and the default tier while the classification is unknown.
func ModelTierFor(classification string) string {
	switch classification {
	case ClassificationFinancial:
		return ModelTierDeep
	case "":
		return ModelTierDefault
	default:
		return ModelTierCheap
	}
}

// ObjectStore fetches raw document bytes by storage reference.
type ObjectStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ParserEngine converts raw document bytes into ordered content chunks.
type ParserEngine interface {
	Parse(ctx context.Context, contentType string, data []byte) ([]storage.Chunk, error)
}

// EmbeddingService returns one vector per input text, in input order.
type EmbeddingService interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// AnalysisResult is what the analysis service produced for a document.
type AnalysisResult struct {
	Classification string
	Findings       []storage.Finding
}

// AnalysisService extracts findings and a document classification from
// parsed content. modelTier selects the analysis model ("cheap", "default",
// "deep").
type AnalysisService interface {
	Analyze(ctx context.Context, documentID, modelTier string, chunks []storage.Chunk) (AnalysisResult, error)
}

// MetricExtractor derives financial metrics from parsed content. Used for
// documents whose raw form is not a spreadsheet.
type MetricExtractor interface {
	ExtractMetrics(ctx context.Context, documentID string, chunks []storage.Chunk) ([]storage.Metric, error)
}

// nextStage builds the successor request for a document entering the named
// stage, with priority and retry policy from the stage configuration.
func nextStage(cfg config.PipelineConfig, stage, documentID string) pipeline.EnqueueRequest {
	sc := cfg.Stage(stage)
	return pipeline.EnqueueRequest{
		Name:           stage,
		DocumentID:     documentID,
		Priority:       sc.Priority,
		SingletonKey:   pipeline.SingletonFor(documentID, stage),
		RetryLimit:     sc.RetryLimit,
		RetryDelayBase: sc.RetryDelayBase(),
	}
}
