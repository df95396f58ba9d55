// Package runner supervises orchestrator invocations as background
// tasks. Runs live only in process memory and are lost on restart.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/orchestrator"
)

// Spec describes one run to start. Agent is the registry name; the
// ledger signature is derived from it per mode and frequency.
type Spec struct {
	Agent     string
	Model     string // chat model; empty uses Agent
	Frequency domain.Frequency
	Mode      domain.RunMode

	// Backtest range. Empty bounds auto-resolve from the ledger tip and
	// the stored calendar.
	From string
	To   string

	// Timestamp is the aligned trading timestamp a live run decides.
	Timestamp string

	// Per-session limits. Zero values take the configured defaults.
	MaxSteps    int
	MaxRetries  int
	BaseDelay   time.Duration
	InitialCash float64
}

func (s Spec) withDefaults() Spec {
	if s.Frequency == "" {
		s.Frequency = domain.FrequencyDaily
	}
	if s.Mode == "" {
		s.Mode = domain.ModeBacktest
	}
	if s.Model == "" {
		s.Model = s.Agent
	}
	return s
}

func (s Spec) validate() error {
	if s.Agent == "" {
		return fmt.Errorf("%w: run has no agent", domain.ErrValidation)
	}
	if err := s.Frequency.Validate(); err != nil {
		return err
	}
	switch s.Mode {
	case domain.ModeBacktest, domain.ModeLive:
	default:
		return fmt.Errorf("%w: invalid run mode %q", domain.ErrValidation, string(s.Mode))
	}
	if s.Mode == domain.ModeLive {
		if s.Timestamp == "" {
			return fmt.Errorf("%w: live run has no timestamp", domain.ErrValidation)
		}
		if _, err := s.Frequency.ParseTimestamp(s.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// Registry tracks concurrent runs and their cancellation funcs under a
// single mutex. One active run per ledger signature: operators never
// race two orchestrators over one agent's ledger.
type Registry struct {
	mu      sync.Mutex
	runs    map[string]*domain.AgentRun
	cancels map[string]context.CancelFunc
	dones   map[string]chan struct{}

	orch *orchestrator.Orchestrator
	bus  *events.Bus
	log  zerolog.Logger
}

// NewRegistry creates a run registry publishing transitions to bus.
func NewRegistry(orch *orchestrator.Orchestrator, bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		runs:    make(map[string]*domain.AgentRun),
		cancels: make(map[string]context.CancelFunc),
		dones:   make(map[string]chan struct{}),
		orch:    orch,
		bus:     bus,
		log:     log.With().Str("component", "runner").Logger(),
	}
}

// Start registers a pending run and executes it in the background.
// It returns the new run id immediately.
func (r *Registry) Start(spec Spec) (string, error) {
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return "", err
	}
	signature := domain.Signature(spec.Agent, spec.Mode, spec.Frequency)

	r.mu.Lock()
	for _, run := range r.runs {
		if run.Agent == signature && !run.Status.Terminal() {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: agent %s already has an active run %s",
				domain.ErrValidation, signature, run.RunID)
		}
	}

	id := r.newRunID()
	run := &domain.AgentRun{
		RunID:     id,
		Agent:     signature,
		Model:     spec.Model,
		Frequency: spec.Frequency,
		Mode:      spec.Mode,
		Status:    domain.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.runs[id] = run
	r.cancels[id] = cancel
	r.dones[id] = done
	r.mu.Unlock()

	r.log.Info().
		Str("run_id", id).
		Str("agent", signature).
		Str("mode", string(spec.Mode)).
		Msg("Run registered")

	go r.execute(ctx, cancel, done, id, spec)
	return id, nil
}

// Get returns a snapshot of one run.
func (r *Registry) Get(id string) (domain.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.AgentRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	return run.Clone(), nil
}

// List returns snapshots of every known run, newest first.
func (r *Registry) List() []domain.AgentRun {
	r.mu.Lock()
	out := make([]domain.AgentRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Cancel stops a run. A pending run is marked cancelled before it ever
// executes; a running one has its context cancelled and reaches the
// cancelled state when the orchestrator unwinds. Terminal runs cannot
// be cancelled again.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}

	switch run.Status {
	case domain.RunPending:
		now := time.Now().UTC()
		run.Status = domain.RunCancelled
		run.FinishedAt = &now
		cancel := r.cancels[id]
		snapshot := run.Clone()
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.publish(events.RunCancelled, snapshot)
		return nil
	case domain.RunRunning:
		cancel := r.cancels[id]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		status := run.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s already %s", domain.ErrValidation, id, status)
	}
}

// Wait blocks until the run reaches a terminal state and returns its
// final snapshot. It unblocks early when ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (domain.AgentRun, error) {
	r.mu.Lock()
	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return domain.AgentRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	if run.Status.Terminal() {
		snapshot := run.Clone()
		r.mu.Unlock()
		return snapshot, nil
	}
	done := r.dones[id]
	r.mu.Unlock()

	select {
	case <-done:
		return r.Get(id)
	case <-ctx.Done():
		return domain.AgentRun{}, fmt.Errorf("%w: wait for run %s: %v", domain.ErrCancelled, id, ctx.Err())
	}
}

// execute drives one run to a terminal state.
func (r *Registry) execute(ctx context.Context, cancel context.CancelFunc, done chan struct{}, id string, spec Spec) {
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
		close(done)
	}()

	r.mu.Lock()
	run := r.runs[id]
	if run.Status != domain.RunPending {
		// Cancelled before the goroutine was scheduled.
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	run.Status = domain.RunRunning
	run.StartedAt = &now
	snapshot := run.Clone()
	r.mu.Unlock()
	r.publish(events.RunStarted, snapshot)

	req := orchestrator.Request{
		Agent:       run.Agent,
		Model:       spec.Model,
		Frequency:   spec.Frequency,
		From:        spec.From,
		To:          spec.To,
		MaxSteps:    spec.MaxSteps,
		MaxRetries:  spec.MaxRetries,
		BaseDelay:   spec.BaseDelay,
		InitialCash: spec.InitialCash,
		OnProgress: func(done, total int, ts string) {
			r.mu.Lock()
			run.StepsDone = done
			run.StepsTotal = total
			run.CurrentTimestamp = ts
			progress := run.Clone()
			r.mu.Unlock()
			r.publish(events.RunProgress, progress)
		},
	}

	var err error
	if spec.Mode == domain.ModeLive {
		_, err = r.orch.RunLive(ctx, req, spec.Timestamp)
	} else {
		_, err = r.orch.RunBacktest(ctx, req)
	}

	finished := time.Now().UTC()
	r.mu.Lock()
	run.FinishedAt = &finished
	var evt events.EventType
	switch {
	case err == nil:
		run.Status = domain.RunCompleted
		evt = events.RunCompleted
	case domain.KindOf(err) == domain.KindCancelled:
		run.Status = domain.RunCancelled
		evt = events.RunCancelled
	default:
		run.Status = domain.RunFailed
		run.Error = err.Error()
		evt = events.RunFailed
	}
	snapshot = run.Clone()
	r.mu.Unlock()
	r.publish(evt, snapshot)

	if err != nil && snapshot.Status == domain.RunFailed {
		r.log.Error().Err(err).Str("run_id", id).Str("agent", snapshot.Agent).Msg("Run failed")
		return
	}
	r.log.Info().
		Str("run_id", id).
		Str("agent", snapshot.Agent).
		Str("status", string(snapshot.Status)).
		Int("timestamps", snapshot.StepsDone).
		Msg("Run finished")
}

// newRunID returns a short unique id. Held under the registry mutex.
func (r *Registry) newRunID() string {
	for {
		id := uuid.NewString()[:8]
		if _, exists := r.runs[id]; !exists {
			return id
		}
	}
}

func (r *Registry) publish(evt events.EventType, run domain.AgentRun) {
	data := map[string]interface{}{
		"run_id":      run.RunID,
		"agent":       run.Agent,
		"mode":        string(run.Mode),
		"status":      string(run.Status),
		"steps_done":  run.StepsDone,
		"steps_total": run.StepsTotal,
	}
	if run.CurrentTimestamp != "" {
		data["current_timestamp"] = run.CurrentTimestamp
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	r.bus.Emit(evt, "runner", data)
}
