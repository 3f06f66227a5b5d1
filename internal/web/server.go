// Package web serves the central attendance API over HTTP.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gameocoder/attendance/internal/adapter"
	"github.com/gameocoder/attendance/internal/aggregator"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/ledger"
)

// Server represents the central API server.
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	ledger     ledger.Ledger
	agg        *aggregator.Aggregator
}

// NewServer creates the central API server. The adapters feed the
// aggregator on the online ingest path; the ledger serves both the
// online path and sync drains from edge devices.
func NewServer(cfg *config.Config, l ledger.Ledger, agg *aggregator.Aggregator, rfid *adapter.RFID, face *adapter.Face, zoom *adapter.Zoom) *Server {
	r := chi.NewRouter()

	s := &Server{
		config: cfg,
		router: r,
		ledger: l,
		agg:    agg,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	s.setupRoutes(rfid, face, zoom)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting attendance API on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down attendance API...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
