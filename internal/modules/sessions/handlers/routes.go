package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all session routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/search", h.HandleSearch)

		r.Get("/{agent}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetTranscript(w, r, chi.URLParam(r, "agent"))
		})
		r.Get("/{agent}/range", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetRange(w, r, chi.URLParam(r, "agent"))
		})
	})
}
