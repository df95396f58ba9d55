package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/runner"
)

// RunRegistry defines the contract for run lifecycle operations.
// Used by the run handlers to enable testing with fakes.
type RunRegistry interface {
	Start(spec runner.Spec) (string, error)
	Get(id string) (domain.AgentRun, error)
	List() []domain.AgentRun
	Cancel(id string) error
}

// RunHandlers serves the background-run API.
type RunHandlers struct {
	registry RunRegistry
	log      zerolog.Logger
}

// NewRunHandlers creates run handlers backed by the registry.
func NewRunHandlers(registry RunRegistry, log zerolog.Logger) *RunHandlers {
	return &RunHandlers{
		registry: registry,
		log:      log.With().Str("handler", "runs").Logger(),
	}
}

// RegisterRoutes registers the run routes on the router.
func (h *RunHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/runs", h.HandleStartRuns)
	r.Get("/runs", h.HandleListRuns)
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetRun(w, r, chi.URLParam(r, "id"))
	})
	r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		h.HandleCancelRun(w, r, chi.URLParam(r, "id"))
	})
}

type startRunsRequest struct {
	Agents    []string `json:"agents"`
	Frequency string   `json:"frequency"`
	Mode      string   `json:"mode"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type startedRun struct {
	Agent string `json:"agent"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// HandleStartRuns handles POST /api/runs. One run starts per requested
// agent; agents that fail validation are reported without blocking the
// others.
func (h *RunHandlers) HandleStartRuns(w http.ResponseWriter, r *http.Request) {
	var req startRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Agents) == 0 {
		http.Error(w, "Request has no agents", http.StatusBadRequest)
		return
	}

	runs := make([]startedRun, 0, len(req.Agents))
	started := 0
	for _, agent := range req.Agents {
		id, err := h.registry.Start(runner.Spec{
			Agent:     agent,
			Frequency: domain.Frequency(req.Frequency),
			Mode:      domain.RunMode(req.Mode),
			From:      req.From,
			To:        req.To,
			Timestamp: req.Timestamp,
		})
		if err != nil {
			h.log.Warn().Err(err).Str("agent", agent).Msg("Run rejected")
			runs = append(runs, startedRun{Agent: agent, Error: err.Error()})
			continue
		}
		started++
		runs = append(runs, startedRun{Agent: agent, RunID: id})
	}

	status := http.StatusOK
	if started == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":    runs,
			"started": started,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListRuns handles GET /api/runs.
func (h *RunHandlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.registry.List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetRun handles GET /api/runs/{id}.
func (h *RunHandlers) HandleGetRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := h.registry.Get(id)
	if err != nil {
		http.Error(w, "Run not found", statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleCancelRun handles POST /api/runs/{id}/cancel. Cancellation is
// asynchronous: the response carries the snapshot taken right after the
// cancel was requested.
func (h *RunHandlers) HandleCancelRun(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.registry.Cancel(id); err != nil {
		h.log.Warn().Err(err).Str("run_id", id).Msg("Cancel rejected")
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	run, err := h.registry.Get(id)
	if err != nil {
		http.Error(w, "Run not found", statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *RunHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
