// Package server exposes the pipeline over HTTP and WebSocket: document
// status and history, job inspection and retry, ingestion, semantic search,
// and live status streaming.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/internal/version"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/stages"
	"github.com/parchmint/parchmint/storage"
)

// Server hosts the Parchmint HTTP and WebSocket API.
type Server struct {
	cfg        config.ServerConfig
	queue      *pipeline.Queue
	dispatcher *pipeline.Dispatcher
	documents  *document.Store
	embeddings *storage.EmbeddingStore
	findings   *storage.FindingStore
	metrics    *storage.MetricStore
	embedder   stages.EmbeddingService
	stageCfg   config.PipelineConfig
	hub        *Hub
	logger     *zap.SugaredLogger

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Queue      *pipeline.Queue
	Dispatcher *pipeline.Dispatcher
	Documents  *document.Store
	Notifier   *document.Notifier
	Embeddings *storage.EmbeddingStore
	Findings   *storage.FindingStore
	Metrics    *storage.MetricStore
	Embedder   stages.EmbeddingService
}

// New creates a server. HTTP listening begins with Start.
func New(cfg config.Config, deps Deps, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		cfg:        cfg.Server,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		documents:  deps.Documents,
		embeddings: deps.Embeddings,
		findings:   deps.Findings,
		metrics:    deps.Metrics,
		embedder:   deps.Embedder,
		stageCfg:   cfg.Pipeline,
		hub:        NewHub(deps.Notifier, deps.Queue, cfg.Server.AllowedOrigins, logger),
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/metrics", s.handleStats)

	mux.HandleFunc("POST /api/documents", s.handleIngest)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("GET /api/documents/{id}/status", s.handleDocumentStatus)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/documents/{id}/retry", s.handleRetryDocument)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)

	mux.HandleFunc("POST /api/search", s.handleSearch)

	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	port := cfg.Server.Port
	if port == 0 {
		port = config.DefaultServerPort
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.hub.Run()
	s.logger.Infow("Server listening", "addr", s.httpServer.Addr, "version", version.Version)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

// Shutdown stops the listener and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrDocumentNotFound), errors.Is(err, errors.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
