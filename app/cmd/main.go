package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"medrag/app/server"
	"medrag/config"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "medrag-server",
		Short:         "Answer questions over the ingested document collection",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)
			slog.SetDefault(logger)
			return server.NewServer(cfg, logger).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file (default $CONFIG_FILE)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("server failed", "error", err)
		stop()
		os.Exit(1)
	}
}
