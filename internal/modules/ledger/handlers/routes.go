package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the ledger-backed agents routes. The agents
// list and the valuation routes live in the analytics handlers; paths
// are registered flat so both packages share the /agents root.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agents/held-symbols", h.HandleGetHeldSymbols)

	r.Get("/agents/{agent}/latest", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetLatest(w, r, chi.URLParam(r, "agent"))
	})
	r.Get("/agents/{agent}/positions", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetPositions(w, r, chi.URLParam(r, "agent"))
	})
	r.Get("/agents/{agent}/actions", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetActions(w, r, chi.URLParam(r, "agent"))
	})
}
