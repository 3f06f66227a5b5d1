package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/gameocoder/attendance/internal/adapter"
	"github.com/gameocoder/attendance/internal/web/handlers"
)

func (s *Server) setupRoutes(rfid *adapter.RFID, face *adapter.Face, zoom *adapter.Zoom) {
	sessionsHandler := handlers.NewSessionsHandler(s.ledger, s.agg)
	attendanceHandler := handlers.NewAttendanceHandler(s.ledger)
	ingestHandler := handlers.NewIngestHandler(rfid, face, zoom, s.agg)

	s.router.Get("/api/health", handlers.HealthCheck)

	s.router.Route("/api", func(r chi.Router) {
		// Session windows
		r.Post("/sessions", sessionsHandler.Open)
		r.Get("/sessions/active", sessionsHandler.Active)
		r.Get("/sessions/{sessionID}", sessionsHandler.Get)
		r.Post("/sessions/{sessionID}/close", sessionsHandler.Close)
		r.Get("/sessions/{sessionID}/stats", ingestHandler.Stats)

		// Ledger: single apply, bulk sync from edge drains, read feed
		r.Post("/attendance/apply", attendanceHandler.Apply)
		r.Post("/attendance/sync", attendanceHandler.Sync)
		r.Post("/attendance/override", attendanceHandler.Override)
		r.Get("/attendance/{sessionID}", attendanceHandler.Rows)

		// Raw source ingest
		r.Post("/ingest/rfid", ingestHandler.RFID)
		r.Post("/ingest/face", ingestHandler.Face)
		r.Post("/ingest/zoom", ingestHandler.Zoom)
	})
}
