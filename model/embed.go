package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"medrag/retry"
	"medrag/types"
)

// Embedder maps text into a fixed-dimension vector space. The same instance
// (or one with the same ModelID) must be used for indexing and for queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch preserves input order and length.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelID identifies the embedding space; it is stored with the index.
	ModelID() string
	// Dimension is 0 until known for backends that report it lazily.
	Dimension() int
}

const (
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	URL       string        `yaml:"url"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewEmbedder builds the embedder selected by cfg.
func NewEmbedder(cfg EmbeddingConfig, policy retry.Policy) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		e := NewOllamaEmbedder(OllamaEmbedderConfig{
			BaseURL:   cfg.URL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout,
			Retry:     policy,
		})
		slog.Default().Info("[EMBEDDER] uses local Ollama for embeddings", "model", e.ModelID())
		return e, nil
	case ProviderHash:
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", types.ErrInvalidConfig, cfg.Provider)
	}
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i, x := range vec {
		vec[i] = float32(float64(x) / norm)
	}
	return vec
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
