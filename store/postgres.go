package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"medrag/types"
)

// PostgresStore keeps every collection in one pgvector table, keyed by
// (collection, id). A manifest row per collection records the embedding model.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: pgvector index needs a connection url", types.ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := &PostgresStore{pool: pool, timeout: cfg.Timeout, logger: slog.Default()}
	pingCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, types.AsTimeout(fmt.Errorf("ping postgres: %w", err))
	}
	if err := p.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_collections (
	name TEXT PRIMARY KEY,
	embedding_model TEXT NOT NULL,
	dimension INT NOT NULL CHECK (dimension > 0),
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rag_entries (
	collection TEXT NOT NULL REFERENCES rag_collections(name) ON DELETE CASCADE,
	id UUID NOT NULL,
	source_id TEXT NOT NULL,
	unit_index INT NOT NULL,
	chunk_index INT NOT NULL,
	content TEXT NOT NULL,
	embedding vector NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_rag_entries_source ON rag_entries(collection, source_id);
`

// Init creates the extension and tables when missing.
func (p *PostgresStore) Init(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return types.AsTimeout(fmt.Errorf("create rag tables: %w", err))
	}
	return nil
}

func (p *PostgresStore) EnsureCollection(ctx context.Context, spec types.CollectionSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	_, err := p.pool.Exec(ctx, `INSERT INTO rag_collections (name, embedding_model, dimension)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, spec.Name, spec.Model, spec.Dimension)
	if err != nil {
		return types.AsTimeout(fmt.Errorf("create collection %s: %w", spec.Name, err))
	}
	have, err := p.collection(ctx, spec.Name)
	if err != nil {
		return err
	}
	return CheckSpec(have, spec)
}

func (p *PostgresStore) Collection(ctx context.Context, name string) (types.CollectionSpec, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.collection(ctx, name)
}

func (p *PostgresStore) collection(ctx context.Context, name string) (types.CollectionSpec, error) {
	spec := types.CollectionSpec{Name: name}
	err := p.pool.QueryRow(ctx,
		"SELECT embedding_model, dimension FROM rag_collections WHERE name = $1", name,
	).Scan(&spec.Model, &spec.Dimension)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CollectionSpec{}, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name)
	}
	if err != nil {
		return types.CollectionSpec{}, types.AsTimeout(fmt.Errorf("read collection %s: %w", name, err))
	}
	return spec, nil
}

func (p *PostgresStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, err := p.Collection(ctx, name)
	if errors.Is(err, types.ErrCollectionNotFound) {
		return false, nil
	}
	return err == nil, err
}

const upsertEntry = `
INSERT INTO rag_entries (collection, id, source_id, unit_index, chunk_index, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (collection, id) DO UPDATE SET
	source_id = EXCLUDED.source_id,
	unit_index = EXCLUDED.unit_index,
	chunk_index = EXCLUDED.chunk_index,
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding
`

// Upsert writes all entries in one transaction.
func (p *PostgresStore) Upsert(ctx context.Context, collection string, entries []types.IndexEntry) (int, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	spec, err := p.collection(ctx, collection)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := checkDimension(spec, len(e.Vector)); err != nil {
			return 0, err
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, types.AsTimeout(fmt.Errorf("begin upsert: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertEntry, collection, e.ID, e.Payload.SourceID, e.Payload.UnitIndex,
			e.Payload.ChunkIndex, e.Payload.Text, pgvector.NewVector(e.Vector))
	}
	results := tx.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, types.AsTimeout(fmt.Errorf("upsert entry %d: %w", i, err))
		}
	}
	if err := results.Close(); err != nil {
		return 0, types.AsTimeout(fmt.Errorf("upsert entries: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, types.AsTimeout(fmt.Errorf("commit upsert: %w", err))
	}
	return len(entries), nil
}

const searchEntries = `
SELECT id, source_id, unit_index, chunk_index, content, 1 - (embedding <=> $2) AS score
FROM rag_entries
WHERE collection = $1
ORDER BY embedding <=> $2, id
LIMIT $3
`

func (p *PostgresStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]types.Hit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	spec, err := p.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(spec, len(vector)); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, searchEntries, collection, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, types.AsTimeout(fmt.Errorf("search %s: %w", collection, err))
	}
	defer rows.Close()

	hits := make([]types.Hit, 0, k)
	for rows.Next() {
		var (
			hit types.Hit
			id  uuid.UUID
		)
		if err := rows.Scan(&id, &hit.Payload.SourceID, &hit.Payload.UnitIndex,
			&hit.Payload.ChunkIndex, &hit.Payload.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hit.ID = id.String()
		p.logger.Debug("[SEARCH] found chunk",
			"source", hit.Payload.SourceID, "unit", hit.Payload.UnitIndex, "score", hit.Score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, types.AsTimeout(fmt.Errorf("read hits: %w", err))
	}
	return hits, nil
}

func (p *PostgresStore) DropCollection(ctx context.Context, name string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, "DELETE FROM rag_collections WHERE name = $1", name); err != nil {
		return types.AsTimeout(fmt.Errorf("drop collection %s: %w", name, err))
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("Postgres connection pool is closed")
	}
	return nil
}

func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}
