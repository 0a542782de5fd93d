// Package web is the HTTP boundary: thin handlers that parse, dispatch to
// the fleet services, and stream results.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/mcpfleet/internal/catalog"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/invoke"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/policy"
	"github.com/voicebridge/mcpfleet/internal/registry"
	"github.com/voicebridge/mcpfleet/internal/supervisor"
	"github.com/voicebridge/mcpfleet/internal/tracker"
)

// Server wires the fleet services behind the HTTP API.
type Server struct {
	logger       *slog.Logger
	sse          config.SSESettings
	catalog      *catalog.Service
	invoker      *invoke.Service
	trk          *tracker.Tracker
	supervisor   *supervisor.Supervisor
	policy       *policy.Registry
	registry     *registry.Registry
	metrics      *observability.Metrics
	instructions *config.Instructions

	httpServer *http.Server
}

// Options collects the server's dependencies.
type Options struct {
	Addr         string
	SSE          config.SSESettings
	Catalog      *catalog.Service
	Invoker      *invoke.Service
	Tracker      *tracker.Tracker
	Supervisor   *supervisor.Supervisor
	Policy       *policy.Registry
	Registry     *registry.Registry
	Metrics      *observability.Metrics
	Instructions *config.Instructions
	Logger       *slog.Logger
}

// NewServer builds the HTTP server and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:       logger.With("component", "web"),
		sse:          opts.SSE,
		catalog:      opts.Catalog,
		invoker:      opts.Invoker,
		trk:          opts.Tracker,
		supervisor:   opts.Supervisor,
		policy:       opts.Policy,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		instructions: opts.Instructions,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mcp/catalog", s.handleCatalog)
	mux.HandleFunc("POST /api/mcp/invoke", s.handleInvoke)
	mux.HandleFunc("DELETE /api/mcp/invoke", s.handleCancel)
	mux.HandleFunc("POST /api/mcp/admin", s.handleAdmin)
	mux.HandleFunc("GET /api/mcp/resource-events", s.handleResourceEvents)
	mux.HandleFunc("GET /api/mcp/status", s.handleStatus)
	mux.HandleFunc("GET /api/instructions", s.handleInstructions)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           loggingMiddleware(s.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler. Test seam for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
