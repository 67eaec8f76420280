// Package apiserver implements the OpenAI-compatible chat-completion HTTP
// surface of spec.md §6: POST /v1/chat/completions (non-stream and SSE
// stream), /healthz, and /metrics.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcore/agentcore/internal/agent"
	"github.com/agentcore/agentcore/internal/auth"
	"github.com/agentcore/agentcore/internal/health"
)

// Config configures the Server.
type Config struct {
	Host        string
	HTTPPort    int
	MetricsPort int

	// DefaultModel is used when a request omits "model".
	DefaultModel string

	// RequestTimeout bounds a single non-streaming request end to end.
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// Server is the OpenAI-compatible HTTP surface. It shares its Loop,
// StreamFinalizer, auth Service, and health Scheduler with the rest of the
// process rather than owning them, so a caller can rebuild just this layer
// without tearing down the model client or tool gateway underneath it.
type Server struct {
	cfg       Config
	loop      *agent.Loop
	finalizer *agent.StreamFinalizer
	authSvc   *auth.Service
	scheduler *health.Scheduler
	logger    *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener

	metricsServer   *http.Server
	metricsListener net.Listener

	startTime time.Time
}

// NewServer builds a Server. authSvc and scheduler may be nil, disabling
// inbound auth and the /healthz health summary respectively.
func NewServer(cfg Config, loop *agent.Loop, finalizer *agent.StreamFinalizer, authSvc *auth.Service, scheduler *health.Scheduler, logger *slog.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		loop:      loop,
		finalizer: finalizer,
		authSvc:   authSvc,
		scheduler: scheduler,
		logger:    logger.With("component", "apiserver"),
		startTime: time.Now(),
	}
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	var chatHandler http.Handler = http.HandlerFunc(s.handleChatCompletions)
	chatHandler = AuthMiddleware(s.authSvc, s.logger)(chatHandler)
	mux.Handle("/v1/chat/completions", chatHandler)

	return LoggingMiddleware(s.logger)(mux)
}

// Start launches the chat-completion listener and, if MetricsPort is set,
// a second listener serving /metrics on its own port (kept separate so
// scraping never competes with request-handling timeouts).
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", addr)

	if s.cfg.MetricsPort != 0 {
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		s.metricsListener = metricsListener
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("starting metrics server", "addr", metricsAddr)
	}

	return nil
}

// Stop gracefully shuts down both listeners, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", "error", err)
		}
	}
}
