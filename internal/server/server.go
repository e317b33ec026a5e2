// Package server wires the three public routes this proxy exposes —
// POST /v1/messages, POST /v1/messages/count_tokens, GET /v1/models — behind
// the static-token auth gate, and owns graceful shutdown. The admin
// control-plane REST endpoints and embedded UI the teacher served alongside
// its relay routes have no equivalent here: this proxy's scope is the
// credential pool + streaming core, not an admin surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yansir/kiroproxy/internal/auth"
	"github.com/yansir/kiroproxy/internal/config"
	"github.com/yansir/kiroproxy/internal/retry"
)

// Server is the proxy's embedded HTTP server.
type Server struct {
	cfg        *config.Config
	authMw     *auth.Middleware
	engine     *retry.Engine
	httpServer *http.Server
}

// New builds the server, registering routes on a fresh ServeMux.
func New(cfg *config.Config, engine *retry.Engine) *Server {
	srv := &Server{
		cfg:    cfg,
		authMw: auth.NewMiddleware(cfg.StaticToken),
		engine: engine,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authenticate := s.authMw.Authenticate

	mux.Handle("POST /v1/messages", authenticate(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authenticate(http.HandlerFunc(s.handleCountTokens)))
	mux.Handle("GET /v1/models", authenticate(http.HandlerFunc(s.handleModels)))
}

// Run starts the server and blocks until a shutdown signal or fatal error.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		s.engine.Disable()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
