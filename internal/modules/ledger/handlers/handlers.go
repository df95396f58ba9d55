// Package handlers provides HTTP handlers for ledger queries on the
// agents surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/ledger"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleGetLatest handles GET /api/agents/{agent}/latest
func (h *Handler) HandleGetLatest(w http.ResponseWriter, r *http.Request, agent string) {
	step, err := h.service.LatestStep(r.Context(), agent)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Agent has no recorded steps", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to query latest step")
		http.Error(w, "Failed to query latest step", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agent":     agent,
			"timestamp": step.Timestamp,
			"step_id":   step.StepID,
			"action":    step.Action,
			"cash":      step.Cash,
			"holdings":  step.Holdings,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetPositions handles GET /api/agents/{agent}/positions
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request, agent string) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	steps, err := h.service.History(r.Context(), agent, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to query positions")
		http.Error(w, "Failed to query positions", http.StatusInternalServerError)
		return
	}
	if steps == nil {
		steps = []domain.PositionStep{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agent":     agent,
			"positions": steps,
			"count":     len(steps),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetActions handles GET /api/agents/{agent}/actions
func (h *Handler) HandleGetActions(w http.ResponseWriter, r *http.Request, agent string) {
	trades, err := h.service.Trades(r.Context(), agent)
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to query actions")
		http.Error(w, "Failed to query actions", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []domain.PositionStep{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agent":   agent,
			"actions": trades,
			"count":   len(trades),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetHeldSymbols handles GET /api/agents/held-symbols
func (h *Handler) HandleGetHeldSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.service.HeldSymbols(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query held symbols")
		http.Error(w, "Failed to query held symbols", http.StatusInternalServerError)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbols": symbols,
			"count":   len(symbols),
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
