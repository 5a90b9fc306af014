package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/types"
)

func entry(source string, chunk int, text string, vec ...float32) types.IndexEntry {
	return NewEntry(types.Chunk{SourceID: source, ChunkIndex: chunk, Text: text}, vec)
}

// runContract exercises the behaviour every IndexStore must share.
func runContract(t *testing.T, open func(t *testing.T) IndexStore) {
	ctx := context.Background()
	spec := types.CollectionSpec{Name: "contract_" + uuid.NewString()[:8], Model: "hash-fnv1a-3", Dimension: 3}

	t.Run("missing collection", func(t *testing.T) {
		s := open(t)
		_, err := s.Search(ctx, spec.Name, []float32{1, 0, 0}, 1)
		assert.ErrorIs(t, err, types.ErrCollectionNotFound)

		_, err = s.Upsert(ctx, spec.Name, []types.IndexEntry{entry("a", 0, "x", 1, 0, 0)})
		assert.ErrorIs(t, err, types.ErrCollectionNotFound)

		exists, err := s.CollectionExists(ctx, spec.Name)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("empty collection returns no hits", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.EnsureCollection(ctx, spec))
		t.Cleanup(func() { _ = s.DropCollection(ctx, spec.Name) })

		hits, err := s.Search(ctx, spec.Name, []float32{1, 0, 0}, 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("ordering and overwrite", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.EnsureCollection(ctx, spec))
		t.Cleanup(func() { _ = s.DropCollection(ctx, spec.Name) })

		entries := []types.IndexEntry{
			entry("far.txt", 0, "far", 0, 0, 1),
			entry("near.txt", 0, "near", 1, 0.1, 0),
			entry("mid.txt", 0, "mid", 1, 1, 0),
		}
		n, err := s.Upsert(ctx, spec.Name, entries)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// same content again must not add entries
		_, err = s.Upsert(ctx, spec.Name, entries[:1])
		require.NoError(t, err)

		hits, err := s.Search(ctx, spec.Name, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "near.txt", hits[0].Payload.SourceID)
		assert.Equal(t, "mid.txt", hits[1].Payload.SourceID)
		assert.Equal(t, "far.txt", hits[2].Payload.SourceID)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
		assert.Equal(t, entries[1].ID.String(), hits[0].ID)

		top, err := s.Search(ctx, spec.Name, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)
	})

	t.Run("model and dimension are enforced", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.EnsureCollection(ctx, spec))
		t.Cleanup(func() { _ = s.DropCollection(ctx, spec.Name) })
		_, err := s.Upsert(ctx, spec.Name, []types.IndexEntry{entry("a", 0, "a", 1, 0, 0)})
		require.NoError(t, err)

		other := spec
		other.Model = "ollama:nomic-embed-text"
		assert.ErrorIs(t, s.EnsureCollection(ctx, other), types.ErrEmbeddingModelMismatch)

		_, err = s.Search(ctx, spec.Name, []float32{1, 0}, 1)
		assert.ErrorIs(t, err, types.ErrEmbeddingModelMismatch)

		_, err = s.Upsert(ctx, spec.Name, []types.IndexEntry{entry("b", 0, "b", 1, 0, 0, 0)})
		assert.ErrorIs(t, err, types.ErrEmbeddingModelMismatch)

		got, err := s.Collection(ctx, spec.Name)
		require.NoError(t, err)
		assert.Equal(t, spec.Model, got.Model)
		assert.Equal(t, 3, got.Dimension)
	})

	t.Run("k below one is invalid", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.EnsureCollection(ctx, spec))
		t.Cleanup(func() { _ = s.DropCollection(ctx, spec.Name) })
		_, err := s.Search(ctx, spec.Name, []float32{1, 0, 0}, 0)
		assert.ErrorIs(t, err, types.ErrInvalidConfig)
	})

	t.Run("drop removes the collection", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.EnsureCollection(ctx, spec))
		require.NoError(t, s.DropCollection(ctx, spec.Name))
		exists, err := s.CollectionExists(ctx, spec.Name)
		require.NoError(t, err)
		assert.False(t, exists)
		_, err = s.Collection(ctx, spec.Name)
		assert.ErrorIs(t, err, types.ErrCollectionNotFound)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) IndexStore { return NewMemoryStore() })
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("MEDRAG_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("MEDRAG_TEST_PG_DSN not set")
	}
	runContract(t, func(t *testing.T) IndexStore {
		s, err := NewPostgresStore(context.Background(), Config{URL: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestQdrantStore_Contract(t *testing.T) {
	addr := os.Getenv("MEDRAG_TEST_QDRANT_URL")
	if addr == "" {
		t.Skip("MEDRAG_TEST_QDRANT_URL not set")
	}
	runContract(t, func(t *testing.T) IndexStore {
		s, err := NewQdrantStore(context.Background(), Config{URL: addr})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestQdrantStore_SeesRebuildByAnotherClient(t *testing.T) {
	addr := os.Getenv("MEDRAG_TEST_QDRANT_URL")
	if addr == "" {
		t.Skip("MEDRAG_TEST_QDRANT_URL not set")
	}
	ctx := context.Background()
	open := func() *QdrantStore {
		s, err := NewQdrantStore(ctx, Config{URL: addr})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	server, loader := open(), open()
	name := "rebuild_" + uuid.NewString()[:8]
	t.Cleanup(func() { _ = loader.DropCollection(ctx, name) })

	first := types.CollectionSpec{Name: name, Model: "model-a", Dimension: 3}
	require.NoError(t, server.EnsureCollection(ctx, first))
	_, err := server.Upsert(ctx, name, []types.IndexEntry{entry("a", 0, "a", 1, 0, 0)})
	require.NoError(t, err)

	got, err := server.Collection(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.Model)

	require.NoError(t, loader.DropCollection(ctx, name))
	second := types.CollectionSpec{Name: name, Model: "model-b", Dimension: 3}
	require.NoError(t, loader.EnsureCollection(ctx, second))
	_, err = loader.Upsert(ctx, name, []types.IndexEntry{entry("b", 0, "b", 0, 1, 0)})
	require.NoError(t, err)

	got, err = server.Collection(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "model-b", got.Model)
	assert.ErrorIs(t, CheckSpec(got, first), types.ErrEmbeddingModelMismatch)
}

func TestSpecCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newSpecCache(30 * time.Second)
	c.now = func() time.Time { return now }

	_, ok := c.get("derm")
	assert.False(t, ok)

	c.put(types.CollectionSpec{Name: "derm", Model: "model-a", Dimension: 3})
	got, ok := c.get("derm")
	require.True(t, ok)
	assert.Equal(t, "model-a", got.Model)

	now = now.Add(30 * time.Second)
	_, ok = c.get("derm")
	assert.False(t, ok, "entry must expire after ttl")

	// a read without points keeps the model this process wrote
	got = c.refresh(types.CollectionSpec{Name: "derm", Dimension: 3})
	assert.Equal(t, "model-a", got.Model)
	_, ok = c.get("derm")
	assert.True(t, ok)

	// a read with points always wins
	got = c.refresh(types.CollectionSpec{Name: "derm", Model: "model-b", Dimension: 3})
	assert.Equal(t, "model-b", got.Model)

	// a different size is a different collection
	got = c.refresh(types.CollectionSpec{Name: "derm", Dimension: 8})
	assert.Empty(t, got.Model)

	c.forget("derm")
	_, ok = c.get("derm")
	assert.False(t, ok)
}

func TestEntryID_StableAndContentSensitive(t *testing.T) {
	c := types.Chunk{SourceID: "derm.pdf", UnitIndex: 2, ChunkIndex: 1, Text: "eczema"}
	assert.Equal(t, EntryID(c), EntryID(c))

	changed := c
	changed.Text = "eczema flare"
	assert.NotEqual(t, EntryID(c), EntryID(changed))

	moved := c
	moved.ChunkIndex = 2
	assert.NotEqual(t, EntryID(c), EntryID(moved))
}

func TestCheckSpec(t *testing.T) {
	have := types.CollectionSpec{Name: "c", Model: "m1", Dimension: 768}
	assert.NoError(t, CheckSpec(have, have))
	assert.NoError(t, CheckSpec(types.CollectionSpec{Name: "c", Dimension: 768}, have))
	assert.ErrorIs(t, CheckSpec(have, types.CollectionSpec{Name: "c", Model: "m2", Dimension: 768}), types.ErrEmbeddingModelMismatch)
	assert.ErrorIs(t, CheckSpec(have, types.CollectionSpec{Name: "c", Model: "m1", Dimension: 384}), types.ErrEmbeddingModelMismatch)
}

func TestMemoryStore_EnsureCollectionValidates(t *testing.T) {
	s := NewMemoryStore()
	err := s.EnsureCollection(context.Background(), types.CollectionSpec{Name: "c"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{Provider: ProviderMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), Config{Provider: "faiss"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = Open(context.Background(), Config{Provider: ProviderPgvector})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestParseQdrantAddr(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{raw: "", host: "localhost", port: 6334},
		{raw: "qdrant", host: "qdrant", port: 6334},
		{raw: "qdrant:7000", host: "qdrant", port: 7000},
		{raw: "https://cloud.qdrant.io:6334/", host: "cloud.qdrant.io", port: 6334, tls: true},
		{raw: "http://localhost:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, tls, err := parseQdrantAddr(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestQdrantPayloadRoundTrip(t *testing.T) {
	p := types.Payload{Text: "acne", SourceID: "a.pdf", UnitIndex: 4, ChunkIndex: 2}
	raw := toQdrantPayload(p, "ollama:nomic-embed-text")
	assert.Equal(t, "ollama:nomic-embed-text", raw[payloadModel].GetStringValue())
	assert.Equal(t, p, fromQdrantPayload(raw))
	assert.Equal(t, types.Payload{}, fromQdrantPayload(nil))
}
