// Package api is the submission surface: it accepts bulk mutation
// requests and CSV uploads, persists a job, enqueues it and answers
// immediately. Nothing here waits for a mutation to execute.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP server around the configured routes.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h)}
}

// ListenAndServe starts the HTTP server. Timeouts are generous because
// CSV uploads can be large.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
