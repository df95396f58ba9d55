package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the agents listing and analytics routes.
// Paths are registered flat so the ledger handlers can share the
// /agents root; the indicators route extends the market surface, the
// router falls back to the mounted market routes for everything else
// under /market/{symbol}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agents", h.HandleListAgents)

	r.Get("/agents/{agent}/valuation", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetValuation(w, r, chi.URLParam(r, "agent"))
	})
	r.Get("/agents/{agent}/performance", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetPerformance(w, r, chi.URLParam(r, "agent"))
	})
	r.Get("/agents/{agent}/equity", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetEquity(w, r, chi.URLParam(r, "agent"))
	})

	r.Get("/market/{symbol}/indicators", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetIndicators(w, r, chi.URLParam(r, "symbol"))
	})
}
