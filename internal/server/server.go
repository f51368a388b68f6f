package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/synth"
	"github.com/loqalabs/loqa-studio/internal/voices"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the collaborators the HTTP API serves from. Store and Bus may be
// nil.
type Deps struct {
	Synth   synth.Synthesizer
	Catalog *voices.Catalog
	Store   *eventstore.Store
	Bus     *bus.Client
}

type Server struct {
	cfg         config.Config
	deps        Deps
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instruments
	httpServer  *http.Server
	metricsHTTP http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Synth == nil {
		return nil, errors.New("server requires a synthesizer")
	}
	if deps.Catalog == nil {
		deps.Catalog = voices.Builtin()
	}
	metrics, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("component", "http")),
		tracer:  otel.Tracer(instrumentationName),
		metrics: metrics,
	}, nil
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	s.metricsHTTP = metricsHandler

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Bind, s.cfg.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if sec := s.cfg.HTTP.WriteTimeoutSec; sec > 0 {
		s.httpServer.WriteTimeout = time.Duration(sec) * time.Second
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slogError(err))
			errCh <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server started", slog.String("addr", addr), slog.String("synth", s.deps.Synth.Name()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	s.ready.Store(false)
	s.logger.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown error", slogError(err))
	}
	s.wg.Wait()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		s.logger.Error("telemetry shutdown error", slogError(err))
	}
	return serveErr
}

// Handler returns the API routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/api/get_voices", s.handleVoices)
	mux.HandleFunc("/api/tts", s.handleTTS)
	mux.HandleFunc("/api/history", s.handleHistory)
	if s.metricsHTTP != nil {
		mux.Handle("/metrics", s.metricsHTTP)
	}
	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.HTTP.AllowedOrigins
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	busDown := s.cfg.Bus.Enabled && s.deps.Bus != nil && !s.deps.Bus.Healthy()
	if s.ready.Load() && !busDown {
		writeText(w, http.StatusOK, "ready")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "not ready")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
