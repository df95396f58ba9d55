// Package handlers provides HTTP handlers for market data operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// Handler handles market data HTTP requests
type Handler struct {
	service   *marketdata.Service
	snapshots *marketdata.SnapshotStore
	log       zerolog.Logger
}

// NewHandler creates a new market data handler
func NewHandler(service *marketdata.Service, snapshots *marketdata.SnapshotStore, log zerolog.Logger) *Handler {
	return &Handler{
		service:   service,
		snapshots: snapshots,
		log:       log.With().Str("handler", "market").Logger(),
	}
}

// parseFreq reads the freq query parameter, defaulting to daily.
func parseFreq(r *http.Request) (domain.Frequency, error) {
	raw := r.URL.Query().Get("freq")
	if raw == "" {
		return domain.FrequencyDaily, nil
	}
	freq := domain.Frequency(raw)
	if err := freq.Validate(); err != nil {
		return "", err
	}
	return freq, nil
}

// HandleGetPrice handles GET /api/market/price
func (h *Handler) HandleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	ts := r.URL.Query().Get("ts")
	if symbol == "" || ts == "" {
		http.Error(w, "symbol and ts are required", http.StatusBadRequest)
		return
	}
	freq, err := parseFreq(r)
	if err != nil {
		http.Error(w, "invalid freq", http.StatusBadRequest)
		return
	}

	price, err := h.service.OpenPrice(r.Context(), freq, domain.NormalizeCode(symbol), ts)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "No price at that timestamp", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to look up price")
		http.Error(w, "Failed to look up price", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol": domain.NormalizeCode(symbol),
			"ts":     ts,
			"freq":   freq,
			"open":   price,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetOHLCV handles GET /api/market/ohlcv
func (h *Handler) HandleGetOHLCV(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	freq, err := parseFreq(r)
	if err != nil {
		http.Error(w, "invalid freq", http.StatusBadRequest)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bars, err := h.service.BarsRange(r.Context(), freq, domain.NormalizeCode(symbol),
		r.URL.Query().Get("from"), r.URL.Query().Get("to"), limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to query bars")
		http.Error(w, "Failed to query bars", http.StatusInternalServerError)
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol": domain.NormalizeCode(symbol),
			"freq":   freq,
			"bars":   bars,
			"count":  len(bars),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetSymbolBars handles GET /api/market/{symbol}/bars
func (h *Handler) HandleGetSymbolBars(w http.ResponseWriter, r *http.Request, symbol string) {
	freq, err := parseFreq(r)
	if err != nil {
		http.Error(w, "invalid freq", http.StatusBadRequest)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bars, err := h.service.BarsRange(r.Context(), freq, domain.NormalizeCode(symbol),
		r.URL.Query().Get("from"), r.URL.Query().Get("to"), limit)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to query bars")
		http.Error(w, "Failed to query bars", http.StatusInternalServerError)
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol": domain.NormalizeCode(symbol),
			"freq":   freq,
			"bars":   bars,
			"count":  len(bars),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetTimestamps handles GET /api/market/timestamps
func (h *Handler) HandleGetTimestamps(w http.ResponseWriter, r *http.Request) {
	freq, err := parseFreq(r)
	if err != nil {
		http.Error(w, "invalid freq", http.StatusBadRequest)
		return
	}

	tss, err := h.service.Timestamps(r.Context(), freq, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query timestamps")
		http.Error(w, "Failed to query timestamps", http.StatusInternalServerError)
		return
	}
	if tss == nil {
		tss = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"freq":       freq,
			"timestamps": tss,
			"count":      len(tss),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetSymbols handles GET /api/market/symbols
func (h *Handler) HandleGetSymbols(w http.ResponseWriter, r *http.Request) {
	freq, err := parseFreq(r)
	if err != nil {
		http.Error(w, "invalid freq", http.StatusBadRequest)
		return
	}

	symbols, err := h.service.Symbols(r.Context(), freq)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query symbols")
		http.Error(w, "Failed to query symbols", http.StatusInternalServerError)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"freq":    freq,
			"symbols": symbols,
			"count":   len(symbols),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetIndexBars handles GET /api/market/index/bars
func (h *Handler) HandleGetIndexBars(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		code = domain.DefaultIndexCode
	}

	bars, err := h.service.IndexBars(r.Context(), code, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.log.Error().Err(err).Str("code", code).Msg("Failed to query index bars")
		http.Error(w, "Failed to query index bars", http.StatusInternalServerError)
		return
	}
	if bars == nil {
		bars = []domain.IndexBar{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"index": code,
			"bars":  bars,
			"count": len(bars),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetIndexWeights handles GET /api/market/index/weights
func (h *Handler) HandleGetIndexWeights(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		code = domain.DefaultIndexCode
	}

	weights, err := h.service.IndexWeights(r.Context(), code, r.URL.Query().Get("date"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "No weights for that index", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("code", code).Msg("Failed to query index weights")
		http.Error(w, "Failed to query index weights", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"index":   code,
			"weights": weights,
			"count":   len(weights),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetLatest handles GET /api/market/latest
func (h *Handler) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Load()
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "No fresh quote snapshot", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load quote snapshot")
		http.Error(w, "Failed to load quote snapshot", http.StatusInternalServerError)
		return
	}

	quotes := snap.Quotes
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		quotes = make(map[string]domain.Quote)
		for _, sym := range strings.Split(raw, ",") {
			sym = domain.NormalizeCode(strings.TrimSpace(sym))
			if q, ok := snap.Quotes[sym]; ok {
				quotes[sym] = q
			}
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"quotes":     quotes,
			"fetched_at": snap.FetchedAt.Format(time.RFC3339),
			"count":      len(quotes),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetCalendar handles GET /api/market/calendar
func (h *Handler) HandleGetCalendar(w http.ResponseWriter, r *http.Request) {
	days, err := h.service.Timestamps(r.Context(), domain.FrequencyDaily,
		r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query trading calendar")
		http.Error(w, "Failed to query trading calendar", http.StatusInternalServerError)
		return
	}
	if days == nil {
		days = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"days":  days,
			"count": len(days),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
