package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/parchmint/parchmint/stages"
	"github.com/parchmint/parchmint/storage"
)

// RuleAnalyzer classifies documents and extracts findings with keyword and
// pattern rules. A hosted analysis model replaces this in deployments that
// have one; the output shapes are identical.
type RuleAnalyzer struct{}

// NewRuleAnalyzer creates an analyzer.
func NewRuleAnalyzer() *RuleAnalyzer {
	return &RuleAnalyzer{}
}

var financialTerms = []string{
	"revenue", "ebitda", "net income", "gross margin", "balance sheet",
	"cash flow", "fiscal year", "operating expenses", "earnings",
}

var findingRules = []struct {
	kind       string
	pattern    *regexp.Regexp
	title      string
	confidence float64
}{
	{"risk", regexp.MustCompile(`(?i)\b(risk|liability|exposure|contingenc)`), "Risk language", 0.6},
	{"obligation", regexp.MustCompile(`(?i)\b(shall|must|is required to|obligat)`), "Obligation language", 0.55},
	{"date", regexp.MustCompile(`\b(19|20)\d{2}-\d{2}-\d{2}\b`), "Date reference", 0.8},
	{"party", regexp.MustCompile(`(?i)\b(hereinafter|the parties|between .{1,80} and )`), "Party designation", 0.5},
}

// Analyze implements stages.AnalysisService. The rule set is the same at
// every model tier; the tier is recorded on each finding so callers can see
// what produced it.
func (a *RuleAnalyzer) Analyze(ctx context.Context, documentID, modelTier string, chunks []storage.Chunk) (stages.AnalysisResult, error) {
	result := stages.AnalysisResult{Classification: "general"}

	financialHits := 0
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return stages.AnalysisResult{}, err
		}
		lower := strings.ToLower(chunk.Content)
		for _, term := range financialTerms {
			if strings.Contains(lower, term) {
				financialHits++
			}
		}

		for _, rule := range findingRules {
			loc := rule.pattern.FindStringIndex(chunk.Content)
			if loc == nil {
				continue
			}
			result.Findings = append(result.Findings, storage.Finding{
				DocumentID:    documentID,
				Kind:          rule.kind,
				Title:         rule.title,
				Detail:        snippet(chunk.Content, loc[0]),
				Confidence:    rule.confidence,
				SourceChunkID: chunk.ID,
				SpanStart:     chunk.SpanStart + loc[0],
				SpanEnd:       chunk.SpanStart + loc[1],
				ModelTier:     modelTier,
			})
		}
	}

	// Two distinct financial signals avoid classifying every memo that
	// mentions revenue once.
	if financialHits >= 2 {
		result.Classification = stages.ClassificationFinancial
	}
	return result, nil
}

func snippet(content string, at int) string {
	start := at - 40
	if start < 0 {
		start = 0
	}
	end := at + 120
	if end > len(content) {
		end = len(content)
	}
	return strings.TrimSpace(content[start:end])
}
