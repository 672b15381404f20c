package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/logger"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/pipeline/breaker"
	"github.com/parchmint/parchmint/server"
	"github.com/parchmint/parchmint/services"
	"github.com/parchmint/parchmint/stages"
	"github.com/parchmint/parchmint/storage"
)

// ServeCmd starts the pipeline daemon and API server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline daemon and HTTP/WebSocket API",
	Long: `Start the Parchmint daemon in foreground mode.

The daemon will:
- Recover leases orphaned by a previous run
- Poll the job queue and run stage handlers on a worker pool
- Serve the HTTP API and WebSocket status stream
- Run until interrupted (Ctrl+C), finishing in-flight jobs before exit

Examples:
  parchmint serve                       # Defaults from config
  parchmint serve --workers 8           # Override worker count
  parchmint serve --config ./pm.toml    # Watch an explicit config file`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("workers", 0, "Concurrent handler slots (0 = from config)")
	ServeCmd.Flags().String("config", "", "Config file to watch for hot reload")
	ServeCmd.Flags().String("db", "", "Database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	configPath, _ := cmd.Flags().GetString("config")
	dbPath, _ := cmd.Flags().GetString("db")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers > 0 {
		cfg.Pipeline.Workers = workers
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger

	// Storage layer
	notifier := document.NewNotifier()
	documents := document.NewStore(database, notifier, log)
	chunks := storage.NewChunkStore(database, log)
	embeddings := storage.NewEmbeddingStore(database, cfg.Services.Embedding.Dimensions, log)
	findings := storage.NewFindingStore(database, log)
	metrics := storage.NewMetricStore(database, log)

	// Queue and dispatch
	queue := pipeline.NewQueue(database, cfg.Pipeline.MaxRetryDelay(), log)
	tracker := document.NewTracker(documents, log)

	// Service clients, each behind its own breaker
	objects := services.NewFileObjectStore(cfg.Services.Objects.Dir)
	parser := services.NewLocalParser()
	embedder := services.NewHashEmbedder(cfg.Services.Embedding.Dimensions)
	analyzer := services.NewRuleAnalyzer()
	extractor := services.NewRegexExtractor()

	parseBreaker := breaker.New("parser",
		cfg.Services.Parser.FailureThreshold,
		cfg.Services.Parser.Window(),
		cfg.Services.Parser.Cooldown(), log)
	embedBreaker := breaker.New("embedding",
		cfg.Services.Embedding.FailureThreshold,
		cfg.Services.Embedding.Window(),
		cfg.Services.Embedding.Cooldown(), log)
	analyzeBreaker := breaker.New("analysis",
		cfg.Services.Analysis.FailureThreshold,
		cfg.Services.Analysis.Window(),
		cfg.Services.Analysis.Cooldown(), log)

	registry := pipeline.NewRegistry()
	registry.Register(stages.NewParseHandler(documents, objects, parser, chunks, parseBreaker, cfg.Pipeline, log))
	registry.Register(stages.NewEmbedHandler(documents, embeddings, embedder, embedBreaker, cfg.Pipeline, cfg.Services.Embedding, log))
	registry.Register(stages.NewAnalyzeHandler(documents, chunks, findings, analyzer, analyzeBreaker, cfg.Pipeline, log))
	registry.Register(stages.NewFinancialsHandler(documents, objects, chunks, metrics, extractor, log))

	dispatcher := pipeline.NewDispatcher(queue, registry, tracker, cfg.Pipeline, log)

	srv := server.New(*cfg, server.Deps{
		Queue:      queue,
		Dispatcher: dispatcher,
		Documents:  documents,
		Notifier:   notifier,
		Embeddings: embeddings,
		Findings:   findings,
		Metrics:    metrics,
		Embedder:   embedder,
	}, log)

	// Hot reload for poll interval and batch size changes
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		watcher.OnReload(func(next *config.Config) error {
			return dispatcher.UpdateConfig(next.Pipeline)
		})
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	log.Infow("Parchmint daemon started",
		"workers", cfg.Pipeline.Workers,
		"poll_interval", cfg.Pipeline.PollInterval(),
		"port", cfg.Server.Port,
		"database", cfg.Database.Path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Errorw("Server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server shutdown error", "error", err)
	}

	dispatcher.Stop()
	log.Infow("Parchmint daemon stopped")
	return nil
}
