package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers ingest routes on the router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ingest", func(r chi.Router) {
		r.Post("/run", h.HandleRun)
		r.Get("/status", h.HandleStatus)
		r.Get("/validate", h.HandleValidate)
	})
}
