package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"medrag/config"
	"medrag/loader/internal"
	"medrag/loader/service"
	"medrag/model"
	"medrag/store"
	"medrag/types"
)

type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	index  store.IndexStore
}

func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	index, err := store.Open(ctx, cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, index: index}, nil
}

func (r *runtime) service(opts ...service.Option) (*service.Service, error) {
	embedder, err := model.NewEmbedder(r.cfg.Embedding, r.cfg.Retry)
	if err != nil {
		return nil, err
	}
	opts = append([]service.Option{
		service.WithLogger(r.logger),
		service.WithLoaderSettings(r.cfg.Loader.Workers, r.cfg.Loader.CropTop, r.cfg.Loader.CropBottom),
	}, opts...)
	return service.New(embedder, r.index, service.Defaults{
		Root:       r.cfg.Loader.Root,
		Pattern:    r.cfg.Loader.Pattern,
		ChunkSize:  r.cfg.Chunk.Size,
		Overlap:    r.cfg.Chunk.Overlap,
		Collection: r.cfg.Index.Collection,
		EmbedBatch: r.cfg.Embedding.BatchSize,
	}, opts...), nil
}

func (r *runtime) close() {
	if err := r.index.Close(); err != nil {
		r.logger.Error("error closing index store", "error", err)
		return
	}
	r.logger.Info("index store closed")
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "loader",
		Short:         "Load documents into the vector index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (default $CONFIG_FILE)")
	root.AddCommand(newIngestCmd(&configPath), newWatchCmd(&configPath))
	return root
}

func newIngestCmd(configPath *string) *cobra.Command {
	var req types.IngestRequest
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest every matching file under a folder once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			svc, err := rt.service()
			if err != nil {
				return err
			}
			result, err := svc.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Root, "root", "", "folder to read (default loader.root)")
	flags.StringVar(&req.Pattern, "pattern", "", "doublestar pattern relative to root (default loader.pattern)")
	flags.IntVar(&req.ChunkSize, "chunk-size", 0, "chunk size in characters (default chunk.size)")
	flags.IntVar(&req.Overlap, "overlap", 0, "chunk overlap in characters, used with --chunk-size")
	flags.StringVar(&req.Collection, "collection", "", "target collection (default index.collection)")
	flags.BoolVar(&req.Rebuild, "rebuild", false, "drop the collection before writing")
	return cmd
}

func newWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Ingest files dropped into the source folder and archive them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			lc := rt.cfg.Loader
			watcher, err := internal.NewWatcher(internal.WatcherConfig{
				SourceDir:      lc.SourceDir,
				ArchiveDir:     lc.ArchiveDir,
				BadDir:         lc.BadDir,
				MonitoringTime: lc.MonitoringTime,
			}, rt.logger)
			if err != nil {
				return err
			}
			svc, err := rt.service(service.WithWatcher(watcher))
			if err != nil {
				return err
			}
			rt.logger.Info("[WATCH] watching", "dir", lc.SourceDir, "archive", lc.ArchiveDir, "bad", lc.BadDir)
			return svc.Run(cmd.Context())
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("loader failed", "kind", types.Kind(err), "error", err)
		stop()
		os.Exit(1)
	}
}
