package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"medrag/types"
)

// MemoryStore is an in-process index using brute-force cosine similarity.
// It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec    types.CollectionSpec
	index   map[uuid.UUID]int
	entries []types.IndexEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, spec types.CollectionSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[spec.Name]; ok {
		return CheckSpec(c.spec, spec)
	}
	s.collections[spec.Name] = &memCollection{spec: spec, index: make(map[uuid.UUID]int)}
	return nil
}

func (s *MemoryStore) Collection(_ context.Context, name string) (types.CollectionSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return types.CollectionSpec{}, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name)
	}
	return c.spec, nil
}

func (s *MemoryStore) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, entries []types.IndexEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, collection)
	}
	for _, e := range entries {
		if err := checkDimension(c.spec, len(e.Vector)); err != nil {
			return 0, err
		}
	}
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		if i, ok := c.index[e.ID]; ok {
			c.entries[i] = e
			continue
		}
		c.index[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return len(entries), nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, vector []float32, k int) ([]types.Hit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, collection)
	}
	if err := checkDimension(c.spec, len(vector)); err != nil {
		return nil, err
	}

	hits := make([]types.Hit, len(c.entries))
	for i, e := range c.entries {
		hits[i] = types.Hit{ID: e.ID.String(), Payload: e.Payload, Score: cosine(e.Vector, vector)}
	}
	// stable keeps insertion order among equal scores
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
