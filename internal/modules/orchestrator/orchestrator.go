// Package orchestrator iterates trading timestamps for one agent and runs
// a driver session per timestamp. Backtests resolve their own range from
// the ledger tip and the stored calendar; live mode decides one aligned
// timestamp supplied by the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/agent"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// Request describes one orchestrated run for a single agent signature.
type Request struct {
	// Agent is the ledger signature the run writes under.
	Agent string
	// Model is the chat model. Empty uses the client default.
	Model     string
	Frequency domain.Frequency

	// Backtest range. An empty From resumes after the agent's ledger tip
	// (or at the earliest stored timestamp for a fresh agent); an empty To
	// runs to the newest stored timestamp.
	From string
	To   string

	// Per-session limits. Zero values take the configured defaults.
	MaxSteps    int
	MaxRetries  int
	BaseDelay   time.Duration
	InitialCash float64

	// OnProgress, when set, observes every decided timestamp.
	OnProgress func(done, total int, ts string)
}

// Result reports what a run decided. It is valid even when the run
// returned an error: counters cover the timestamps decided before the
// failure.
type Result struct {
	// From and To are the resolved bounds actually iterated. Empty when
	// the run had nothing to do.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Timestamps is the number of trading timestamps fully decided.
	Timestamps int `json:"timestamps"`
	// Steps is the total number of ledger steps committed.
	Steps int `json:"steps"`
}

// Orchestrator drives sessions over timestamp ranges.
type Orchestrator struct {
	driver *agent.Driver
	market *marketdata.Service
	ledger *ledger.Service
	log    zerolog.Logger
}

// New creates an orchestrator.
func New(driver *agent.Driver, market *marketdata.Service, ledgerSvc *ledger.Service, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		driver: driver,
		market: market,
		ledger: ledgerSvc,
		log:    log.With().Str("component", "orchestrator").Logger(),
	}
}

// RunBacktest iterates the resolved timestamp range in order, one driver
// session per timestamp. The first session error stops the iteration; a
// run that resolves to an empty range completes immediately with zero
// steps.
//
// Concurrent backtests for the same agent are not serialized here;
// callers start at most one run per signature.
func (o *Orchestrator) RunBacktest(ctx context.Context, req Request) (*Result, error) {
	if req.Frequency == "" {
		req.Frequency = domain.FrequencyDaily
	}
	if err := o.validate(req); err != nil {
		return nil, err
	}

	log := o.log.With().Str("agent", req.Agent).Str("frequency", string(req.Frequency)).Logger()

	timestamps, err := o.resolveRange(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &Result{}
	if len(timestamps) == 0 {
		log.Info().Msg("Nothing to decide, ledger is already at the newest stored timestamp")
		return result, nil
	}
	result.From = timestamps[0]
	result.To = timestamps[len(timestamps)-1]

	log.Info().
		Str("from", result.From).
		Str("to", result.To).
		Int("timestamps", len(timestamps)).
		Msg("Backtest starting")

	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: backtest cancelled at %s: %v", domain.ErrCancelled, ts, err)
		}

		sres, err := o.runOne(ctx, req, ts)
		if sres != nil {
			result.Steps += sres.Steps
		}
		if err != nil {
			log.Warn().Err(err).Str("timestamp", ts).Msg("Backtest stopped on session error")
			return result, fmt.Errorf("session at %s failed: %w", ts, err)
		}

		result.Timestamps++
		if req.OnProgress != nil {
			req.OnProgress(result.Timestamps, len(timestamps), ts)
		}
	}

	log.Info().
		Int("timestamps", result.Timestamps).
		Int("steps", result.Steps).
		Msg("Backtest complete")
	return result, nil
}

// RunLive decides a single aligned timestamp.
func (o *Orchestrator) RunLive(ctx context.Context, req Request, ts string) (*Result, error) {
	if req.Frequency == "" {
		req.Frequency = domain.FrequencyDaily
	}
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if ts == "" {
		return nil, fmt.Errorf("%w: live run has no timestamp", domain.ErrValidation)
	}

	result := &Result{From: ts, To: ts}
	sres, err := o.runOne(ctx, req, ts)
	if sres != nil {
		result.Steps = sres.Steps
	}
	if err != nil {
		return result, fmt.Errorf("live session at %s failed: %w", ts, err)
	}

	result.Timestamps = 1
	if req.OnProgress != nil {
		req.OnProgress(1, 1, ts)
	}
	return result, nil
}

func (o *Orchestrator) validate(req Request) error {
	if req.Agent == "" {
		return fmt.Errorf("%w: run has no agent", domain.ErrValidation)
	}
	return req.Frequency.Validate()
}

func (o *Orchestrator) runOne(ctx context.Context, req Request, ts string) (*agent.SessionResult, error) {
	return o.driver.RunSession(ctx, agent.SessionRequest{
		Agent:       req.Agent,
		Model:       req.Model,
		Frequency:   req.Frequency,
		Timestamp:   ts,
		MaxSteps:    req.MaxSteps,
		MaxRetries:  req.MaxRetries,
		BaseDelay:   req.BaseDelay,
		InitialCash: req.InitialCash,
	})
}

// resolveRange turns the request bounds into the trading timestamps to
// decide, in order. Timestamps sort lexicographically in both frequency
// layouts, so plain string comparison is chronological.
func (o *Orchestrator) resolveRange(ctx context.Context, req Request) ([]string, error) {
	to := req.To
	if to == "" {
		latest, err := o.market.LatestTimestamp(ctx, req.Frequency)
		if errors.Is(err, domain.ErrNotFound) {
			// No market data at all: nothing to decide.
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve newest stored timestamp: %w", err)
		}
		to = latest
	}

	from := req.From
	if from == "" {
		tip, err := o.ledger.LatestStep(ctx, req.Agent)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// Fresh agent: start at the beginning of the stored series.
			earliest, err := o.market.EarliestTimestamp(ctx, req.Frequency)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve earliest stored timestamp: %w", err)
			}
			from = earliest
		case err != nil:
			return nil, fmt.Errorf("failed to resolve ledger tip: %w", err)
		default:
			next, err := o.market.NextTimestamp(ctx, req.Frequency, tip.Timestamp)
			if errors.Is(err, domain.ErrNotFound) {
				// The tip is at or past the newest stored timestamp.
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to resolve resumption timestamp: %w", err)
			}
			from = next
		}
	}

	earliest, err := o.market.EarliestTimestamp(ctx, req.Frequency)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve earliest stored timestamp: %w", err)
	}
	if from < earliest {
		from = earliest
	}
	if from > to {
		return nil, nil
	}

	timestamps, err := o.market.Timestamps(ctx, req.Frequency, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list trading timestamps: %w", err)
	}
	return timestamps, nil
}
