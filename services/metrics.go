package services

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/parchmint/parchmint/storage"
)

// RegexExtractor pulls labeled money amounts out of parsed text, for
// financial documents whose raw form is not a spreadsheet.
type RegexExtractor struct{}

// NewRegexExtractor creates an extractor.
func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// metricPattern matches lines like "Revenue: $12,345.6 million (FY2025)" or
// "Net income was 987.2 thousand USD".
var metricPattern = regexp.MustCompile(
	`(?i)\b(revenue|net income|gross profit|ebitda|operating expenses|total assets|total liabilities|cash)\b` +
		`[^0-9$€£-]{0,20}\$?([0-9][0-9,]*(?:\.[0-9]+)?)\s*(million|thousand|billion)?`)

var periodPattern = regexp.MustCompile(`(?i)\b(FY\d{4}|\d{4}-Q[1-4]|Q[1-4]\s+\d{4})\b`)

// ExtractMetrics implements stages.MetricExtractor.
func (e *RegexExtractor) ExtractMetrics(ctx context.Context, documentID string, chunks []storage.Chunk) ([]storage.Metric, error) {
	var metrics []storage.Metric
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		period := "unknown"
		if m := periodPattern.FindString(chunk.Content); m != "" {
			period = normalizePeriod(m)
		}

		for _, match := range metricPattern.FindAllStringSubmatch(chunk.Content, -1) {
			value, err := strconv.ParseFloat(strings.ReplaceAll(match[2], ",", ""), 64)
			if err != nil {
				continue
			}
			metrics = append(metrics, storage.Metric{
				DocumentID:    documentID,
				Name:          metricName(match[1]),
				Value:         value,
				Unit:          strings.ToLower(match[3]),
				Period:        period,
				SourceChunkID: chunk.ID,
			})
		}
	}
	return metrics, nil
}

func metricName(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "_")
}

func normalizePeriod(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	// "Q3 2025" becomes "2025-Q3" so periods sort naturally
	if len(raw) >= 7 && raw[0] == 'Q' && raw[1] >= '1' && raw[1] <= '4' {
		fields := strings.Fields(raw)
		if len(fields) == 2 {
			return fields[1] + "-" + fields[0]
		}
	}
	return raw
}
