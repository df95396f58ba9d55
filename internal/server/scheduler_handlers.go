package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/scheduler"
)

// SchedulerControl defines the contract for scheduler operations.
// Used by the scheduler handlers to enable testing with fakes.
type SchedulerControl interface {
	Start(freq domain.Frequency) error
	Stop() error
	Status() scheduler.Status
	TriggerNow(ctx context.Context) (*scheduler.Execution, error)
}

// SchedulerHandlers serves the scheduler control API.
type SchedulerHandlers struct {
	scheduler SchedulerControl
	log       zerolog.Logger
}

// NewSchedulerHandlers creates scheduler handlers.
func NewSchedulerHandlers(sched SchedulerControl, log zerolog.Logger) *SchedulerHandlers {
	return &SchedulerHandlers{
		scheduler: sched,
		log:       log.With().Str("handler", "scheduler").Logger(),
	}
}

// RegisterRoutes registers the scheduler routes on the router.
func (h *SchedulerHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/stop", h.HandleStop)
		r.Get("/status", h.HandleStatus)
		r.Post("/trigger", h.HandleTrigger)
	})
}

// HandleStart handles POST /api/scheduler/start. An empty body or an
// empty frequency starts the daily schedule.
func (h *SchedulerHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frequency string `json:"frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := h.scheduler.Start(domain.Frequency(req.Frequency)); err != nil {
		h.log.Warn().Err(err).Msg("Scheduler start rejected")
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": h.scheduler.Status(),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleStop handles POST /api/scheduler/stop.
func (h *SchedulerHandlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Stop(); err != nil {
		h.log.Warn().Err(err).Msg("Scheduler stop rejected")
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": h.scheduler.Status(),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleStatus handles GET /api/scheduler/status.
func (h *SchedulerHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": h.scheduler.Status(),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleTrigger handles POST /api/scheduler/trigger, firing one trading
// execution outside the schedule.
func (h *SchedulerHandlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	execution, err := h.scheduler.TriggerNow(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Manual trigger rejected")
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": execution,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *SchedulerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
