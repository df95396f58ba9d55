package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/runner"
)

// AlignTimestamp snaps a firing time to the trading timestamp it
// decides. Off-schedule hourly firings are rejected rather than mapped
// to a synthetic hour that has no bars.
func AlignTimestamp(freq domain.Frequency, now time.Time) (string, error) {
	if freq == domain.FrequencyHourly {
		aligned, ok := domain.AlignScheduleHour(now.Hour())
		if !ok {
			return "", fmt.Errorf("%w: hour %02d is outside the trading schedule", domain.ErrValidation, now.Hour())
		}
		return now.Format("2006-01-02") + " " + aligned, nil
	}
	return now.Format("2006-01-02"), nil
}

// execute runs one trading execution: refresh quotes, resolve the
// aligned timestamp, then start a live run per enabled agent and wait
// for all of them. Failures are isolated per agent.
func (s *Scheduler) execute(ctx context.Context, freq domain.Frequency) *Execution {
	now := s.now().In(s.loc)
	exec := &Execution{At: now.UTC()}
	log := s.log.With().Str("frequency", string(freq)).Logger()
	log.Info().Msg("Trading execution starting")

	// Stale quotes are survivable; a skipped session is not.
	if _, err := s.ingest.RefreshRealtime(ctx, freq, now); err != nil {
		log.Warn().Err(err).Msg("Realtime refresh failed, trading on stored data")
		s.bus.EmitError("scheduler", err, map[string]interface{}{"stage": "refresh"})
	}

	ts, err := AlignTimestamp(freq, now)
	if err != nil {
		return s.reject(exec, log, err)
	}
	exec.Timestamp = ts

	// Reload the agents config: operators edit it between firings.
	agents, err := config.LoadAgentsConfig(s.cfg.AgentsConfigPath)
	if err != nil {
		return s.reject(exec, log, err)
	}

	enabled := agents.Enabled()
	if len(enabled) == 0 {
		log.Warn().Msg("No enabled agents, nothing to decide")
		s.record(exec)
		return exec
	}

	// The registry runs each agent in its own goroutine; starting
	// everything first lets the sessions decide concurrently.
	type started struct {
		agent string
		runID string
	}
	var waiting []started
	for _, entry := range enabled {
		maxSteps, maxRetries, baseDelay, initialCash := agents.Limits(entry)
		id, err := s.runner.Start(runner.Spec{
			Agent:       entry.Name,
			Model:       entry.ModelName(),
			Frequency:   freq,
			Mode:        domain.ModeLive,
			Timestamp:   ts,
			MaxSteps:    maxSteps,
			MaxRetries:  maxRetries,
			BaseDelay:   baseDelay,
			InitialCash: initialCash,
		})
		if err != nil {
			log.Error().Err(err).Str("agent", entry.Name).Msg("Failed to start live run")
			exec.Errors = append(exec.Errors, fmt.Sprintf("%s: %v", entry.Name, err))
			continue
		}
		exec.Runs = append(exec.Runs, id)
		waiting = append(waiting, started{agent: entry.Name, runID: id})
	}

	for _, w := range waiting {
		run, err := s.runner.Wait(ctx, w.runID)
		if err != nil {
			exec.Errors = append(exec.Errors, fmt.Sprintf("%s: %v", w.agent, err))
			continue
		}
		if run.Status == domain.RunFailed {
			exec.Errors = append(exec.Errors, fmt.Sprintf("%s: %s", w.agent, run.Error))
		}
	}

	s.record(exec)
	s.bus.Emit(events.ExecutionCompleted, "scheduler", map[string]interface{}{
		"timestamp": ts,
		"runs":      len(exec.Runs),
		"errors":    len(exec.Errors),
	})
	log.Info().
		Str("timestamp", ts).
		Int("runs", len(exec.Runs)).
		Int("errors", len(exec.Errors)).
		Msg("Trading execution complete")
	return exec
}

func (s *Scheduler) reject(exec *Execution, log zerolog.Logger, err error) *Execution {
	exec.Errors = append(exec.Errors, err.Error())
	s.record(exec)
	s.bus.EmitError("scheduler", err, map[string]interface{}{"stage": "execution"})
	log.Error().Err(err).Msg("Trading execution rejected")
	return exec
}

func (s *Scheduler) record(exec *Execution) {
	s.mu.Lock()
	s.lastExec = exec
	s.mu.Unlock()
}
