// Package handlers exposes ingest runs over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/ingest"
)

// Handler handles ingest HTTP requests
type Handler struct {
	service *ingest.Service
	log     zerolog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(service *ingest.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ingest").Logger(),
	}
}

// runRequest is the body of POST /api/ingest/run. An empty body runs a
// daily refresh with defaults.
type runRequest struct {
	Frequency    string   `json:"frequency"`
	Force        bool     `json:"force"`
	FixMissing   bool     `json:"fix_missing"`
	ValidateOnly bool     `json:"validate_only"`
	Symbols      []string `json:"symbols,omitempty"`
}

// HandleRun handles POST /api/ingest/run. The run executes synchronously;
// a second request while one is in flight gets 409.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	freq := domain.FrequencyDaily
	if req.Frequency != "" {
		freq = domain.Frequency(req.Frequency)
		if err := freq.Validate(); err != nil {
			http.Error(w, "Invalid frequency", http.StatusBadRequest)
			return
		}
	}

	opts := ingest.Options{
		Force:        req.Force,
		FixMissing:   req.FixMissing,
		ValidateOnly: req.ValidateOnly,
		Symbols:      req.Symbols,
	}

	var (
		result *ingest.Result
		err    error
	)
	if freq == domain.FrequencyHourly {
		result, err = h.service.RunHourly(r.Context(), opts)
	} else {
		result, err = h.service.RunDaily(r.Context(), opts)
	}
	if errors.Is(err, ingest.ErrAlreadyRunning) {
		http.Error(w, "An ingest run is already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("freq", string(freq)).Msg("Ingest run failed")
		http.Error(w, "Ingest run failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleStatus handles GET /api/ingest/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": h.service.Status(),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleValidate handles GET /api/ingest/validate
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	freq := domain.FrequencyDaily
	if raw := r.URL.Query().Get("freq"); raw != "" {
		freq = domain.Frequency(raw)
		if err := freq.Validate(); err != nil {
			http.Error(w, "Invalid frequency", http.StatusBadRequest)
			return
		}
	}

	report, err := h.service.Validate(r.Context(), freq)
	if err != nil {
		h.log.Error().Err(err).Str("freq", string(freq)).Msg("Store validation failed")
		http.Error(w, "Store validation failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": report,
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
