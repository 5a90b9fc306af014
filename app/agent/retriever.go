package agent

import (
	"context"
	"fmt"
	"log/slog"

	"medrag/model"
	"medrag/retry"
	"medrag/store"
	"medrag/types"
)

// Retriever embeds a question and returns the k most similar chunks from one
// collection. It is stateless and safe for concurrent use.
type Retriever struct {
	embedder   model.Embedder
	store      store.IndexStore
	collection string
	policy     retry.Policy
	logger     *slog.Logger
}

func NewRetriever(embedder model.Embedder, index store.IndexStore, collection string, policy retry.Policy) *Retriever {
	if collection == "" {
		collection = store.DefaultCollection
	}
	return &Retriever{
		embedder:   embedder,
		store:      index,
		collection: collection,
		policy:     policy,
		logger:     slog.Default(),
	}
}

func (r *Retriever) Collection() string { return r.collection }

// Verify checks that the collection exists and was built by the configured
// embedding model.
func (r *Retriever) Verify(ctx context.Context) error {
	have, err := r.store.Collection(ctx, r.collection)
	if err != nil {
		return err
	}
	return store.CheckSpec(have, types.CollectionSpec{
		Name:      r.collection,
		Model:     r.embedder.ModelID(),
		Dimension: r.embedder.Dimension(),
	})
}

// Retrieve returns up to k hits ordered by descending similarity. An empty
// collection gives an empty result.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) ([]types.Hit, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidConfig, k)
	}
	// checked per call: the loader may rebuild the collection with another
	// model while the server runs
	if err := r.Verify(ctx); err != nil {
		return nil, err
	}

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	hits, err := retry.Do(ctx, r.policy, "index.search", func(ctx context.Context) ([]types.Hit, error) {
		return r.store.Search(ctx, r.collection, vector, k)
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", r.collection, err)
	}
	r.logger.Debug("[SEARCH] retrieved", "collection", r.collection, "k", k, "hits", len(hits))
	return hits, nil
}
