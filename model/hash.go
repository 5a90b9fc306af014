package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

const DefaultHashDimension = 2048

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// HashEmbedder is a deterministic, offline bag-of-words embedder using
// signed feature hashing. It needs no corpus preparation, so documents and
// queries always land in the same space.
type HashEmbedder struct {
	dimension int
	stopwords map[string]struct{}
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{
		dimension: dimension,
		stopwords: defaultStopwords(),
	}
}

func (e *HashEmbedder) ModelID() string {
	return fmt.Sprintf("hash-fnv1a-%d", e.dimension)
}

func (e *HashEmbedder) Dimension() int { return e.dimension }

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embed(text), nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dimension)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := e.stopwords[tok]; stop {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		// the top bit picks the sign so unrelated collisions tend to cancel
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return normalize(vec)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as",
		"is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that", "these", "those", "from", "into", "about",
		"so", "than", "too", "very", "can", "will", "just", "should", "now", "do", "does", "did",
		"what", "which", "who", "whom", "how", "why", "when", "where",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
