package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all market data routes. Static segments are
// matched before the {symbol} parameter.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/market", func(r chi.Router) {
		r.Get("/price", h.HandleGetPrice)
		r.Get("/ohlcv", h.HandleGetOHLCV)
		r.Get("/timestamps", h.HandleGetTimestamps)
		r.Get("/symbols", h.HandleGetSymbols)
		r.Get("/latest", h.HandleGetLatest)
		r.Get("/calendar", h.HandleGetCalendar)

		r.Get("/{symbol}/bars", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetSymbolBars(w, r, chi.URLParam(r, "symbol"))
		})

		r.Route("/index", func(r chi.Router) {
			r.Get("/bars", h.HandleGetIndexBars)
			r.Get("/weights", h.HandleGetIndexWeights)
		})
	})
}
