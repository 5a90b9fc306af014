package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"medrag/loader/internal"
	"medrag/metrics"
	"medrag/model"
	"medrag/store"
	"medrag/types"
)

const DefaultEmbedBatch = 64

// Defaults fill the zero fields of an IngestRequest.
type Defaults struct {
	Root       string
	Pattern    string
	ChunkSize  int
	Overlap    int
	Collection string
	EmbedBatch int
}

// Service runs ingestion: load, chunk, embed in batches, upsert.
type Service struct {
	logger   *slog.Logger
	loader   *internal.Loader
	embedder model.Embedder
	store    store.IndexStore
	metrics  *metrics.Metrics
	defaults Defaults
	watcher  *internal.Watcher

	loaderOpts []internal.Option

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithWatcher(w *internal.Watcher) Option {
	return func(s *Service) { s.watcher = w }
}

func WithLoader(l *internal.Loader) Option {
	return func(s *Service) { s.loader = l }
}

// WithLoaderSettings sets the worker count and PDF crop margins (points)
// of the loader built by New.
func WithLoaderSettings(workers int, cropTop, cropBottom float64) Option {
	return func(s *Service) {
		s.loaderOpts = append(s.loaderOpts, internal.WithWorkers(workers))
		if cropTop > 0 || cropBottom > 0 {
			s.loaderOpts = append(s.loaderOpts, internal.WithCrop(cropTop, cropBottom))
		}
	}
}

// ValidateChunking reports whether size and overlap form a usable window.
func ValidateChunking(size, overlap int) error {
	return internal.ValidateChunking(size, overlap)
}

func New(embedder model.Embedder, index store.IndexStore, defaults Defaults, opts ...Option) *Service {
	if defaults.EmbedBatch <= 0 {
		defaults.EmbedBatch = DefaultEmbedBatch
	}
	if defaults.Collection == "" {
		defaults.Collection = store.DefaultCollection
	}
	if defaults.Pattern == "" {
		defaults.Pattern = internal.DefaultPattern
	}
	s := &Service{
		logger:   slog.Default(),
		embedder: embedder,
		store:    index,
		defaults: defaults,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loader == nil {
		s.loader = internal.NewLoader(append([]internal.Option{internal.WithLogger(s.logger)}, s.loaderOpts...)...)
	}
	return s
}

func (s *Service) withDefaults(req types.IngestRequest) types.IngestRequest {
	if req.Root == "" {
		req.Root = s.defaults.Root
	}
	if req.Pattern == "" {
		req.Pattern = s.defaults.Pattern
	}
	// an explicit chunk size brings its own overlap, zero included
	if req.ChunkSize == 0 {
		req.ChunkSize = s.defaults.ChunkSize
		if req.Overlap == 0 {
			req.Overlap = s.defaults.Overlap
		}
	}
	if req.Collection == "" {
		req.Collection = s.defaults.Collection
	}
	return req
}

// Ingest loads every matching file under req.Root and writes its chunks to
// req.Collection. Chunking parameters are checked before anything is read
// or embedded. Files that fail to parse are listed in the result.
func (s *Service) Ingest(ctx context.Context, req types.IngestRequest) (result types.IngestResult, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveIngest(result, time.Since(start), err) }()

	req = s.withDefaults(req)
	if err := internal.ValidateChunking(req.ChunkSize, req.Overlap); err != nil {
		return types.IngestResult{}, err
	}
	s.logger.Info("[INGEST] start", "root", req.Root, "pattern", req.Pattern,
		"chunk_size", req.ChunkSize, "overlap", req.Overlap, "collection", req.Collection)

	docs, skipped, err := s.loader.Load(ctx, req.Root, req.Pattern)
	if err != nil {
		return types.IngestResult{}, err
	}

	written, err := s.ingestDocuments(ctx, req, docs)
	result = types.IngestResult{DocumentsLoaded: len(docs), ChunksWritten: written, Skipped: skipped}
	if err != nil {
		return result, err
	}
	s.logger.Info("[INGEST] done", "documents", len(docs), "chunks", written,
		"skipped", len(skipped), "took", time.Since(start))
	return result, nil
}

func (s *Service) ingestDocuments(ctx context.Context, req types.IngestRequest, docs []types.Document) (int, error) {
	chunks, err := internal.Split(docs, req.ChunkSize, req.Overlap)
	if err != nil {
		return 0, err
	}

	lock := s.collectionLock(req.Collection)
	lock.Lock()
	defer lock.Unlock()

	if req.Rebuild {
		s.logger.Info("[INGEST] rebuilding collection", "collection", req.Collection)
		if err := s.store.DropCollection(ctx, req.Collection); err != nil {
			return 0, err
		}
	}
	if err := s.checkCollection(ctx, req.Collection); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		if dim := s.embedder.Dimension(); dim > 0 {
			return 0, s.ensure(ctx, req.Collection, dim)
		}
		return 0, nil
	}

	written := 0
	for start := 0; start < len(chunks); start += s.defaults.EmbedBatch {
		end := min(start+s.defaults.EmbedBatch, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return written, fmt.Errorf("%w: %d vectors for %d chunks", types.ErrMalformedResponse, len(vectors), len(batch))
		}
		if start == 0 {
			if err := s.ensure(ctx, req.Collection, len(vectors[0])); err != nil {
				return 0, err
			}
		}

		entries := make([]types.IndexEntry, len(batch))
		for i, c := range batch {
			entries[i] = store.NewEntry(c, vectors[i])
		}
		n, err := s.store.Upsert(ctx, req.Collection, entries)
		if err != nil {
			return written, fmt.Errorf("upsert chunks %d-%d: %w", start, end, err)
		}
		written += n
		s.logger.Debug("[INGEST] batch written", "collection", req.Collection, "from", start, "to", end)
	}
	return written, nil
}

// checkCollection fails before any embedding when the collection was built
// by another model.
func (s *Service) checkCollection(ctx context.Context, name string) error {
	have, err := s.store.Collection(ctx, name)
	if errors.Is(err, types.ErrCollectionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return store.CheckSpec(have, types.CollectionSpec{Name: name, Model: s.embedder.ModelID(), Dimension: s.embedder.Dimension()})
}

func (s *Service) ensure(ctx context.Context, name string, dimension int) error {
	return s.store.EnsureCollection(ctx, types.CollectionSpec{
		Name:      name,
		Model:     s.embedder.ModelID(),
		Dimension: dimension,
	})
}

func (s *Service) collectionLock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// IngestFile ingests one file into the default collection. The source id is
// the path relative to root.
func (s *Service) IngestFile(ctx context.Context, root, path string) (types.IngestResult, error) {
	req := s.withDefaults(types.IngestRequest{Root: root})
	if err := internal.ValidateChunking(req.ChunkSize, req.Overlap); err != nil {
		return types.IngestResult{}, err
	}
	start := time.Now()
	doc, err := s.loader.LoadFile(ctx, root, path)
	if err != nil {
		result := types.IngestResult{Skipped: []types.FileError{{Path: path, Err: err}}}
		s.metrics.ObserveIngest(result, time.Since(start), err)
		return result, err
	}
	written, err := s.ingestDocuments(ctx, req, []types.Document{doc})
	result := types.IngestResult{DocumentsLoaded: 1, ChunksWritten: written}
	s.metrics.ObserveIngest(result, time.Since(start), err)
	return result, err
}

// Run watches the configured source folder until ctx is done. Each stable
// file is ingested, then moved to the archive folder, or to the bad folder
// when ingestion failed.
func (s *Service) Run(ctx context.Context) error {
	if s.watcher == nil {
		return fmt.Errorf("%w: watch mode needs a source folder", types.ErrInvalidConfig)
	}
	if err := internal.ValidateChunking(s.defaults.ChunkSize, s.defaults.Overlap); err != nil {
		return err
	}

	fileChan := make(chan string, 10)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(fileChan)
		s.watcher.Watch(ctx, fileChan)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range fileChan {
			if ctx.Err() != nil {
				return
			}
			s.processFile(ctx, path)
		}
	}()

	<-ctx.Done()
	s.logger.Info("[WATCH] shutting down gracefully...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("[WATCH] all goroutines stopped")
	case <-time.After(5 * time.Second):
		s.logger.Warn("[WATCH] timeout waiting for goroutines to stop")
	}
	return nil
}

func (s *Service) processFile(ctx context.Context, path string) {
	s.logger.Info("[WATCH] processing file", "path", path)
	result, err := s.IngestFile(ctx, s.watcher.SourceDir(), path)
	if ctx.Err() != nil {
		// leave the file in place for the next run
		return
	}
	if err != nil {
		s.logger.Error("[WATCH] ingestion failed", "path", path, "kind", types.Kind(err), "error", err)
	} else {
		s.logger.Info("[WATCH] file ingested", "path", path, "chunks", result.ChunksWritten)
	}
	if _, moveErr := s.watcher.Done(path, err == nil); moveErr != nil {
		s.logger.Error("[WATCH] error moving file", "path", path, "error", moveErr)
	}
}
