package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metadata"
	"tokenmeta/internal/metrics"
)

// Deps are the components the server exposes
type Deps struct {
	Cache    TokenCache
	Source   metadata.Source
	Prices   PriceSource // optional
	Status   StatusSource
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	cfg        *config.Config
	handler    http.Handler
	stream     *statusStream
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "server").Logger()

	m := deps.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}

	h := &Handler{
		cache:       deps.Cache,
		source:      deps.Source,
		prices:      deps.Prices,
		status:      deps.Status,
		maxBodySize: cfg.MaxBodySize,
	}
	stream := newStatusStream(deps.Status, cfg.GetStatusStreamIntervalDuration(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens/batch", h.handleBatch)
	mux.HandleFunc("GET /api/tokens", h.handleTokens)
	mux.HandleFunc("GET /api/tokens/search", h.handleSearch)
	mux.HandleFunc("GET /api/tokens/popular", h.handlePopular)
	mux.HandleFunc("GET /api/tokens/{address}", h.handleToken)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.Handle("GET /ws/status", stream)
	if deps.Prices != nil {
		mux.HandleFunc("GET /api/prices", h.handlePrices)
	}
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return &Server{
		cfg:     cfg,
		handler: withRequestID(logger, withMetrics(m, mux)),
		stream:  stream,
		logger:  logger,
	}
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Msg("starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("api", fmt.Sprintf("http://%s/api", ln.Addr())).
		Str("ws", fmt.Sprintf("ws://%s/ws/status", ln.Addr())).
		Msg("endpoint available")

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	// Hijacked WebSocket connections are not tracked by Shutdown
	s.stream.Close()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
