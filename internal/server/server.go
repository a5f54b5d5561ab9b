// Package server is the agent's control surface: the overlay WebSocket, the
// cross-context broadcast relay and a small REST API over the router.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/scanner"
	"github.com/xkilldash9x/rocker/internal/voice"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dispatcher is the slice of the router the server drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, in router.Intent) router.Outcome
	HandleToolCall(ctx context.Context, name string, args map[string]any) router.Outcome
}

// CapabilitySource serves the most recent scan.
type CapabilitySource interface {
	Latest() []scanner.Capability
}

// VoiceState serves the voice session snapshot.
type VoiceState interface {
	Snapshot() voice.State
}

// Deps are the collaborators behind the routes. Capabilities, Voice and
// Relay are optional.
type Deps struct {
	Router       Dispatcher
	Overlay      *Overlay
	Relay        http.Handler
	Capabilities CapabilitySource
	Voice        VoiceState
}

type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	handlers   *Handlers
	logger     *zap.Logger
	httpServer *http.Server
}

func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	logger = logger.Named("server")
	if deps.Overlay == nil {
		deps.Overlay = NewOverlay(logger)
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		handlers: NewHandlers(logger, deps),
		logger:   logger,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// WebSockets stay outside the request logger and the timeout, both of
	// which wrap the ResponseWriter and break hijacking.
	r.Get("/ws/v1/overlay", s.deps.Overlay.ServeHTTP)
	if s.deps.Relay != nil {
		r.Get("/v1/broadcast", s.deps.Relay.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control server starting", zap.String("address", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down control server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Control server shutdown failed", zap.Error(err))
		return err
	}
	// Hijacked connections are not tracked by Shutdown.
	s.deps.Overlay.Close()
	s.logger.Info("Control server stopped gracefully.")
	return <-errCh
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
