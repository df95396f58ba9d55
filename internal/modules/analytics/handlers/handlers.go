// Package handlers provides HTTP handlers for the agents listing,
// valuations and performance analytics.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/analytics"
	"github.com/renqi/tradewind/internal/modules/ledger"
)

// Handler handles analytics HTTP requests
type Handler struct {
	analytics *analytics.Service
	ledger    *ledger.Service
	cfg       *config.Config
	log       zerolog.Logger
}

// NewHandler creates a new analytics handler
func NewHandler(analyticsSvc *analytics.Service, ledgerSvc *ledger.Service, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		analytics: analyticsSvc,
		ledger:    ledgerSvc,
		cfg:       cfg,
		log:       log.With().Str("handler", "analytics").Logger(),
	}
}

// agentInfo is one row of the agents listing: a configured entry merged
// with the ledger signatures recorded under its name.
type agentInfo struct {
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Configured  bool     `json:"configured"`
	Ledgers     []string `json:"ledgers,omitempty"`
}

// HandleListAgents handles GET /api/agents. The listing is the union of
// the agents config and the agents already present in the ledger, so
// retired agents stay visible as long as their history does.
func (h *Handler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	known, err := h.ledger.Agents(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list ledger agents")
		http.Error(w, "Failed to list agents", http.StatusInternalServerError)
		return
	}

	list := []agentInfo{}
	index := make(map[string]int)

	agents, err := config.LoadAgentsConfig(h.cfg.AgentsConfigPath)
	if err != nil {
		h.log.Warn().Err(err).Msg("Agents config unavailable, listing ledger agents only")
	} else {
		for _, m := range agents.Models {
			info := agentInfo{Name: m.Name, Model: m.ModelName(), Enabled: m.Enabled, Configured: true}
			if spec, err := domain.LookupAgent(m.Name); err == nil {
				info.Description = spec.Description
			}
			index[m.Name] = len(list)
			list = append(list, info)
		}
	}

	for _, sig := range known {
		base := domain.SignatureBase(sig)
		if i, ok := index[base]; ok {
			list[i].Ledgers = append(list[i].Ledgers, sig)
			continue
		}
		info := agentInfo{Name: base, Ledgers: []string{sig}}
		if spec, err := domain.LookupAgent(base); err == nil {
			info.Model = spec.Model
			info.Description = spec.Description
		}
		index[base] = len(list)
		list = append(list, info)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agents": list,
			"count":  len(list),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetValuation handles GET /api/agents/{agent}/valuation
func (h *Handler) HandleGetValuation(w http.ResponseWriter, r *http.Request, agent string) {
	valuation, err := h.analytics.Valuation(r.Context(), agent)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Agent has no recorded steps", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to compute valuation")
		http.Error(w, "Failed to compute valuation", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": valuation,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetPerformance handles GET /api/agents/{agent}/performance
func (h *Handler) HandleGetPerformance(w http.ResponseWriter, r *http.Request, agent string) {
	perf, err := h.analytics.Performance(r.Context(), agent)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Agent has no recorded steps", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to compute performance")
		http.Error(w, "Failed to compute performance", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": perf,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetEquity handles GET /api/agents/{agent}/equity
func (h *Handler) HandleGetEquity(w http.ResponseWriter, r *http.Request, agent string) {
	curve, err := h.analytics.EquityCurve(r.Context(), agent)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Agent has no recorded steps", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to compute equity curve")
		http.Error(w, "Failed to compute equity curve", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agent":  agent,
			"equity": curve,
			"count":  len(curve),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetIndicators handles GET /api/market/{symbol}/indicators
func (h *Handler) HandleGetIndicators(w http.ResponseWriter, r *http.Request, symbol string) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	points, err := h.analytics.Indicators(r.Context(), symbol, limit)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "No bars stored for that symbol", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to compute indicators")
		http.Error(w, "Failed to compute indicators", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"symbol":     domain.NormalizeCode(symbol),
			"indicators": points,
			"count":      len(points),
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
