// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/session"
)

// Worker is a background task whose lifetime is tied to the server.
type Worker func(ctx context.Context) error

// Server exposes sessions to agents and reviewers over HTTP and websockets.
type Server struct {
	cfg      config.Interface
	logger   *zap.Logger
	sessions *session.Manager
	bus      *interrupt.Bus
	handlers *Handlers
	upgrader *websocket.Upgrader
}

// New wires the API over sessions. history may be nil.
func New(cfg config.Interface, sessions *session.Manager, bus *interrupt.Bus, history HistoryStore, logger *zap.Logger) *Server {
	log := logger.Named("server")
	return &Server{
		cfg:      cfg,
		logger:   log,
		sessions: sessions,
		bus:      bus,
		handlers: NewHandlers(log, sessions, history),
		upgrader: newUpgrader(cfg.Server().AllowedOrigins),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	srvCfg := s.cfg.Server()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(srvCfg.AllowedOrigins))

	// Websocket routes stay outside the timeout and request logger.
	r.Get("/ws/v1/sessions/{sessionID}/events", s.handleSessionEvents())

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		if srvCfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(srvCfg.RequestTimeout))
		}
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Run serves on the configured address until ctx ends, running workers
// alongside. On shutdown every session is closed.
func (s *Server) Run(ctx context.Context, workers ...Worker) error {
	ln, err := net.Listen("tcp", s.cfg.Server().ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server().ListenAddr, err)
	}
	return s.Serve(ctx, ln, workers...)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, workers ...Worker) error {
	srvCfg := s.cfg.Server()
	g, gctx := errgroup.WithContext(ctx)

	// Requests, websocket streams included, end with the group.
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		s.logger.Info("API server listening.", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srvCfg.ShutdownTimeout)
		defer cancel()

		// Closing sessions first resolves outstanding calls, which releases
		// blocked invoke requests so Shutdown can drain them.
		if err := s.sessions.CloseAll(); err != nil {
			s.logger.Warn("Errors while closing sessions", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("API server stopped.")
	return err
}

// corsMiddleware answers preflight requests and sets the allow headers for
// configured origins.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(allowed, origin) {
				if contains(allowed, "*") {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// requestLogger logs each HTTP request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
