package services

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/storage"
)

// maxChunkRunes bounds a single chunk so embedding inputs stay a predictable
// size. Oversized paragraphs are split on rune boundaries.
const maxChunkRunes = 2000

// LocalParser chunks text-based documents. Plain text, markdown, and CSV are
// split on blank lines; spreadsheets are flattened row by row. Binary formats
// need a real parsing service and are rejected as unparseable.
type LocalParser struct{}

// NewLocalParser creates a parser.
func NewLocalParser() *LocalParser {
	return &LocalParser{}
}

// Parse implements stages.ParserEngine.
func (p *LocalParser) Parse(ctx context.Context, contentType string, data []byte) ([]storage.Chunk, error) {
	switch normalizeContentType(contentType) {
	case "text/plain", "text/markdown", "text/csv", "application/json":
		return chunkText(string(data)), nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return chunkWorkbook(data)
	default:
		return nil, errors.NewValidationError("unsupported content type %q", contentType)
	}
}

func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// chunkText splits on blank lines, treating each paragraph as one chunk and
// carrying the byte span back to the source.
func chunkText(text string) []storage.Chunk {
	var chunks []storage.Chunk
	offset := 0
	for _, para := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(para)
		if trimmed == "" {
			offset += len(para) + 2
			continue
		}

		start := offset + strings.Index(para, trimmed)
		for _, piece := range splitLong(trimmed) {
			kind := "text"
			if strings.HasPrefix(piece, "#") {
				kind = "heading"
			}
			chunks = append(chunks, storage.Chunk{
				Idx:       len(chunks),
				Kind:      kind,
				Content:   piece,
				SpanStart: start,
				SpanEnd:   start + len(piece),
			})
			start += len(piece)
		}
		offset += len(para) + 2
	}
	return chunks
}

func splitLong(s string) []string {
	runes := []rune(s)
	if len(runes) <= maxChunkRunes {
		return []string{s}
	}
	var pieces []string
	for len(runes) > 0 {
		n := maxChunkRunes
		if n > len(runes) {
			n = len(runes)
		}
		pieces = append(pieces, string(runes[:n]))
		runes = runes[n:]
	}
	return pieces
}

// chunkWorkbook flattens every sheet into tab-separated row chunks.
func chunkWorkbook(data []byte) ([]storage.Chunk, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewValidationError("failed to open workbook: %v", err)
	}
	defer wb.Close()

	var chunks []storage.Chunk
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read sheet %s", sheet)
		}
		for i, row := range rows {
			content := strings.TrimSpace(strings.Join(row, "\t"))
			if content == "" {
				continue
			}
			chunks = append(chunks, storage.Chunk{
				Idx:     len(chunks),
				Kind:    "table",
				Content: sheet + ": " + content,
				Page:    i + 1,
			})
		}
	}
	return chunks, nil
}
