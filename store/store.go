// Package store persists chunk vectors with their payload and answers
// nearest-neighbour queries against them.
package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medrag/types"
)

// IndexStore is the narrow view of a vector database the pipeline needs.
// Scores returned by Search are similarities, sorted high to low.
type IndexStore interface {
	// EnsureCollection creates the collection if missing. An existing
	// collection must carry the same model and dimension.
	EnsureCollection(ctx context.Context, spec types.CollectionSpec) error
	// Collection returns the stored manifest or ErrCollectionNotFound.
	Collection(ctx context.Context, name string) (types.CollectionSpec, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	// Upsert writes entries, replacing any with the same id, and returns the count written.
	Upsert(ctx context.Context, collection string, entries []types.IndexEntry) (int, error)
	Search(ctx context.Context, collection string, vector []float32, k int) ([]types.Hit, error)
	DropCollection(ctx context.Context, name string) error
	Close() error
}

const (
	ProviderPgvector = "pgvector"
	ProviderQdrant   = "qdrant"
	ProviderMemory   = "memory"

	DefaultCollection = "vector_db_2"
	DefaultTimeout    = 10 * time.Second
)

type Config struct {
	Provider   string        `yaml:"provider"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Open connects to the index backend selected by cfg.Provider.
func Open(ctx context.Context, cfg Config) (IndexStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch cfg.Provider {
	case ProviderPgvector, "":
		return NewPostgresStore(ctx, cfg)
	case ProviderQdrant:
		return NewQdrantStore(ctx, cfg)
	case ProviderMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown index provider %q", types.ErrInvalidConfig, cfg.Provider)
	}
}

var entryNamespace = uuid.MustParse("6f5d2c1e-8a0b-4b7e-9d3a-2c4e1f0a9b17")

// EntryID derives a stable id from a chunk's provenance and content, so
// ingesting the same chunk twice overwrites the earlier entry.
func EntryID(c types.Chunk) uuid.UUID {
	sum := sha256.Sum256([]byte(c.Text))
	key := fmt.Sprintf("%s|%d|%d|%x", c.SourceID, c.UnitIndex, c.ChunkIndex, sum)
	return uuid.NewSHA1(entryNamespace, []byte(key))
}

// NewEntry pairs a chunk with its vector.
func NewEntry(c types.Chunk, vector []float32) types.IndexEntry {
	return types.IndexEntry{
		ID:     EntryID(c),
		Vector: vector,
		Payload: types.Payload{
			Text:       c.Text,
			SourceID:   c.SourceID,
			UnitIndex:  c.UnitIndex,
			ChunkIndex: c.ChunkIndex,
		},
	}
}

// CheckSpec reports whether an existing manifest accepts vectors described by want.
// An empty stored model is treated as unknown and accepted.
func CheckSpec(have, want types.CollectionSpec) error {
	if have.Dimension != 0 && want.Dimension != 0 && have.Dimension != want.Dimension {
		return fmt.Errorf("%w: collection %q holds %d-dimensional vectors, got %d",
			types.ErrEmbeddingModelMismatch, have.Name, have.Dimension, want.Dimension)
	}
	if have.Model != "" && want.Model != "" && have.Model != want.Model {
		return fmt.Errorf("%w: collection %q was built with %q, configured model is %q",
			types.ErrEmbeddingModelMismatch, have.Name, have.Model, want.Model)
	}
	return nil
}

func validateSpec(spec types.CollectionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: collection name is required", types.ErrInvalidConfig)
	}
	if spec.Dimension <= 0 {
		return fmt.Errorf("%w: collection %q needs a positive dimension", types.ErrInvalidConfig, spec.Name)
	}
	return nil
}

func validateK(k int) error {
	if k < 1 {
		return fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidConfig, k)
	}
	return nil
}

func checkDimension(spec types.CollectionSpec, n int) error {
	if spec.Dimension != 0 && spec.Dimension != n {
		return fmt.Errorf("%w: collection %q expects %d dimensions, vector has %d",
			types.ErrEmbeddingModelMismatch, spec.Name, spec.Dimension, n)
	}
	return nil
}
