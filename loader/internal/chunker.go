package internal

import (
	"fmt"
	"strings"

	"medrag/types"
)

// ValidateChunking enforces size > overlap >= 0.
func ValidateChunking(size, overlap int) error {
	if overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", types.ErrInvalidConfig, overlap)
	}
	if size <= overlap {
		return fmt.Errorf("%w: chunk size %d must be greater than overlap %d", types.ErrInvalidConfig, size, overlap)
	}
	return nil
}

// Split chunks every unit of every document, in document, unit and
// window order.
func Split(docs []types.Document, size, overlap int) ([]types.Chunk, error) {
	if err := ValidateChunking(size, overlap); err != nil {
		return nil, err
	}
	var chunks []types.Chunk
	for _, doc := range docs {
		chunks = append(chunks, splitDocument(doc, size, overlap)...)
	}
	return chunks, nil
}

// SplitDocument chunks a single document.
func SplitDocument(doc types.Document, size, overlap int) ([]types.Chunk, error) {
	if err := ValidateChunking(size, overlap); err != nil {
		return nil, err
	}
	return splitDocument(doc, size, overlap), nil
}

func splitDocument(doc types.Document, size, overlap int) []types.Chunk {
	var chunks []types.Chunk
	for _, unit := range doc.Units {
		for i, text := range splitText(unit.Text, size, overlap) {
			chunks = append(chunks, types.Chunk{
				SourceID:   doc.SourceID,
				UnitIndex:  unit.Index,
				ChunkIndex: i,
				Text:       text,
			})
		}
	}
	return chunks
}

// splitText slides a window of size runes over text, advancing by
// size-overlap, and stops at the first window that reaches the end.
// Whitespace-only text yields nothing. Otherwise the count is
// max(1, ceil((L-overlap)/step)) for L runes: a text with 0 < L <= overlap
// is still one chunk, above the ceil(max(L-overlap, 0)/step) bound of 0.
func splitText(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	step := size - overlap

	var out []string
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
