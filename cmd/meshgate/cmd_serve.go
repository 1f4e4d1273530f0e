package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshgate/internal/metrics"
	"meshgate/internal/server"
	"meshgate/internal/supervisor"
	"meshgate/internal/tasks"
)

// serveCmd starts the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Starts the HTTP API:

  GET    /api/health
  POST   /api/filter               multipart "image"
  POST   /api/process              multipart "image", optional "model"
  POST   /api/reconstruct/{task}   {"model": "fast"|"quality"}
  GET    /api/result/{task}
  DELETE /api/cleanup/{task}
  GET    /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coll := metrics.NewCollector("meshgate", logger)
	sup := supervisor.New()

	g, err := buildGate(ctx, cfg, sup, coll)
	if err != nil {
		return err
	}
	orch, err := buildOrchestrator(cfg, sup, coll)
	if err != nil {
		return err
	}
	store, err := tasks.NewStore(cfg.WorkspaceDir)
	if err != nil {
		return err
	}

	srv := server.New(g, orch, store, server.Options{
		MaxConcurrentReconstructions: cfg.Server.MaxConcurrentReconstructions,
		MaxUploadBytes:               cfg.Server.MaxUploadBytes,
		MaxConnections:               cfg.Server.MaxConnections,
		Metrics:                      coll,
		Logger:                       logger,
	})

	logger.Info("meshgate starting",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("workspace", store.Root()))
	return srv.ListenAndServe(ctx, cfg.Server.ListenAddr, cfg.GetShutdownTimeout())
}
