// Package server exposes the bridge's status surface on a loopback HTTP
// listener: any local observer can poll connection state, and the single
// permitted mutation is forcing a reconnect.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tabbridge/tabbridge/internal/bridge"
	"github.com/tabbridge/tabbridge/internal/httputil"
)

// Server serves GET /status and POST /reconnect for one bridge manager.
type Server struct {
	addr   string
	mgr    *bridge.Manager
	logger *slog.Logger
	http   *http.Server
}

// New builds a status server bound to addr, which must be a loopback
// address.
func New(addr string, mgr *bridge.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		mgr:    mgr,
		logger: logger.With("component", "status-server"),
	}
}

// Routes returns the HTTP handler so tests can drive it without a
// listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Post("/reconnect", s.handleReconnect)

	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("status server addr %q: %w", s.addr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("status server addr %q is not loopback", s.addr)
	}

	s.http = &http.Server{
		Addr:        s.addr,
		Handler:     s.Routes(),
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, s.mgr.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.mgr.ForceReconnect()
	httputil.OkJSON(w, map[string]any{"ok": true, "state": s.mgr.Status().Name})
}
