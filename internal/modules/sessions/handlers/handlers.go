// Package handlers provides HTTP handlers for session transcripts.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/sessions"
)

// Handler handles session HTTP requests
type Handler struct {
	repo *sessions.Repository
	log  zerolog.Logger
}

// NewHandler creates a new sessions handler
func NewHandler(repo *sessions.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "sessions").Logger(),
	}
}

// HandleGetTranscript handles GET /api/sessions/{agent}?date=
func (h *Handler) HandleGetTranscript(w http.ResponseWriter, r *http.Request, agent string) {
	date := r.URL.Query().Get("date")
	if date == "" {
		http.Error(w, "Missing required parameter: date", http.StatusBadRequest)
		return
	}

	transcript, err := h.repo.Transcript(r.Context(), agent, date)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "No session for that agent and date", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to query transcript")
		http.Error(w, "Failed to query transcript", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": transcript,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetRange handles GET /api/sessions/{agent}/range?from=&to=
func (h *Handler) HandleGetRange(w http.ResponseWriter, r *http.Request, agent string) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	transcripts, err := h.repo.ByDateRange(r.Context(), agent, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("agent", agent).Msg("Failed to query sessions")
		http.Error(w, "Failed to query sessions", http.StatusInternalServerError)
		return
	}
	if transcripts == nil {
		transcripts = []sessions.Transcript{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"agent":    agent,
			"sessions": transcripts,
			"count":    len(transcripts),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleSearch handles GET /api/sessions/search?q=&limit=
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "Missing required parameter: q", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	hits, err := h.repo.Search(r.Context(), q, limit)
	if err != nil {
		h.log.Error().Err(err).Str("q", q).Msg("Failed to search messages")
		http.Error(w, "Failed to search messages", http.StatusInternalServerError)
		return
	}
	if hits == nil {
		hits = []sessions.SearchHit{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"query": q,
			"hits":  hits,
			"count": len(hits),
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
