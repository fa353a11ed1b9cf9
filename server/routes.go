package server

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Post("/sessions/{sessionID}/turns", s.streamTurn)
		r.Post("/sessions/{sessionID}/restore", s.restoreSession)
		r.Get("/events", s.streamEvents)
	})
}
