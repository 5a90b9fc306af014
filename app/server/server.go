package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medrag/app/agent"
	"medrag/app/api"
	"medrag/config"
	"medrag/loader/service"
	"medrag/metrics"
	"medrag/model"
	"medrag/store"
	"medrag/types"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	index  store.IndexStore
	open   func(context.Context, store.Config) (store.IndexStore, error)
}

func NewServer(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		open:   store.Open,
	}
}

// Build wires every component from the configuration and returns the HTTP
// app. The index is checked once: a missing collection is only a warning,
// a collection built by another embedding model is fatal.
func (s *Server) Build(ctx context.Context) (*fiber.App, error) {
	cfg := s.cfg

	index, err := s.open(ctx, cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	s.index = index

	embedder, err := model.NewEmbedder(cfg.Embedding, cfg.Retry)
	if err != nil {
		return nil, err
	}
	generator, err := model.NewGenerator(cfg.LLM, cfg.Retry)
	if err != nil {
		return nil, err
	}
	prompt, err := agent.NewPromptAssembler(cfg.Prompt.Template, cfg.Prompt.EmptyContext)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	retriever := agent.NewRetriever(embedder, index, cfg.Index.Collection, cfg.Retry)
	if err := retriever.Verify(ctx); err != nil {
		if !errors.Is(err, types.ErrCollectionNotFound) {
			return nil, err
		}
		s.logger.Warn("[SERVER] collection is not populated yet, run ingestion first", "collection", retriever.Collection())
	}

	answers := agent.New(retriever, prompt, generator, agent.Config{
		System:   cfg.Prompt.System,
		Sampling: cfg.LLM.Sampling,
		TopK:     cfg.Retrieval.TopK,
	}, agent.WithLogger(s.logger), agent.WithMetrics(m))

	ingest := service.New(embedder, index, service.Defaults{
		Root:       cfg.Loader.Root,
		Pattern:    cfg.Loader.Pattern,
		ChunkSize:  cfg.Chunk.Size,
		Overlap:    cfg.Chunk.Overlap,
		Collection: cfg.Index.Collection,
		EmbedBatch: cfg.Embedding.BatchSize,
	},
		service.WithLogger(s.logger),
		service.WithMetrics(m),
		service.WithLoaderSettings(cfg.Loader.Workers, cfg.Loader.CropTop, cfg.Loader.CropBottom),
	)

	configHandler, err := api.NewConfigHandler(cfg.Public())
	if err != nil {
		return nil, err
	}

	var (
		app            = fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
		checkHandler   = api.NewCheckHandler(retriever)
		requestHandler = api.NewRequestHandler(answers)
		ingestHandler  = api.NewIngestHandler(ingest, cfg.Loader.Root, cfg.Loader.SourceDir)
		check          = app.Group("/check")
		apiv1          = app.Group("/api/v1")
	)

	check.Get("/healthy", checkHandler.HandleHealthy)
	check.Get("/ready", checkHandler.HandleReady)
	apiv1.Post("/request", requestHandler.HandleRequest)
	apiv1.Post("/ingest", ingestHandler.HandleIngest)
	apiv1.Post("/upload", ingestHandler.HandleUpload)
	apiv1.Get("/config", configHandler.HandleGetConfig)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return app, nil
}

// Run serves until ctx is done, then shuts down and closes the index store.
func (s *Server) Run(ctx context.Context) error {
	app, err := s.Build(ctx)
	if err != nil {
		s.close()
		return err
	}
	defer s.close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[SERVER] listening", "addr", s.cfg.Server.Addr)
		errCh <- app.Listen(s.cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("[SERVER] shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("[SERVER] server stopped")
	return nil
}

func (s *Server) close() {
	if s.index == nil {
		return
	}
	if err := s.index.Close(); err != nil {
		s.logger.Error("[SERVER] error closing index store", "error", err)
	}
}
