package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// Service coordinates the ledger database and the per-agent journals.
//
// Writes are dual: every step goes to both stores, and only a double
// failure aborts the run (domain.ErrFatal). A single-store failure is
// logged and the step counts as durable.
//
// Reads are database-first with journal fallback on store errors, the same
// rule the market data service follows: domain.ErrNotFound is an answer,
// not a failure.
type Service struct {
	repo             *Repository
	journal          *Journal
	fallbackDisabled bool
	log              zerolog.Logger
}

// NewService creates a ledger service.
func NewService(repo *Repository, journal *Journal, fallbackDisabled bool, log zerolog.Logger) *Service {
	return &Service{
		repo:             repo,
		journal:          journal,
		fallbackDisabled: fallbackDisabled,
		log:              log.With().Str("component", "ledger").Logger(),
	}
}

func (s *Service) canFallback(err error) bool {
	if s.fallbackDisabled {
		return false
	}
	return err != nil && !errors.Is(err, domain.ErrNotFound)
}

// ValidateStep checks a step against the ledger rules before it is stored.
func ValidateStep(step *domain.PositionStep) error {
	if step.Agent == "" {
		return fmt.Errorf("%w: step has no agent", domain.ErrValidation)
	}
	if step.Timestamp == "" {
		return fmt.Errorf("%w: step has no timestamp", domain.ErrValidation)
	}
	if step.StepID < 0 {
		return fmt.Errorf("%w: negative step id %d", domain.ErrValidation, step.StepID)
	}

	switch step.Action.Verb {
	case domain.ActionBuy, domain.ActionSell:
		if step.Action.Symbol == "" {
			return fmt.Errorf("%w: %s without symbol", domain.ErrValidation, step.Action.Verb)
		}
		if step.Action.Amount <= 0 {
			return fmt.Errorf("%w: %s of %d shares", domain.ErrValidation, step.Action.Verb, step.Action.Amount)
		}
	case domain.ActionNoTrade:
		if step.Action.Symbol != "" || step.Action.Amount != 0 {
			return fmt.Errorf("%w: no_trade carries trade fields", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrValidation, step.Action.Verb)
	}

	return step.Position().Validate()
}

// RecordStep validates and persists one step to both stores.
func (s *Service) RecordStep(ctx context.Context, step *domain.PositionStep) error {
	if err := ValidateStep(step); err != nil {
		return err
	}

	dbErr := s.repo.InsertStep(ctx, step)
	if errors.Is(dbErr, domain.ErrValidation) {
		// A duplicate step id is a caller bug, not a store failure; the
		// journal must not record what the database rejected.
		return dbErr
	}

	jErr := s.journal.Append(step)

	switch {
	case dbErr == nil && jErr == nil:
		return nil
	case dbErr != nil && jErr != nil:
		return fmt.Errorf("%w: both ledger stores failed: db: %v; journal: %v", domain.ErrFatal, dbErr, jErr)
	case dbErr != nil:
		s.log.Error().Err(dbErr).Str("agent", step.Agent).Int64("step", step.StepID).
			Msg("Ledger DB write failed, journal write succeeded")
		return nil
	default:
		s.log.Error().Err(jErr).Str("agent", step.Agent).Int64("step", step.StepID).
			Msg("Journal write failed, ledger DB write succeeded")
		return nil
	}
}

// NextStepID returns the step id the next decision should use: one past
// the highest id in the agent's entire history.
func (s *Service) NextStepID(ctx context.Context, agent string) (int64, error) {
	max, err := s.repo.MaxStepID(ctx, agent)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Str("agent", agent).Msg("Ledger DB read failed, falling back to journal")
		max, err = s.journal.MaxStepID(agent)
	}
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// OpeningPosition returns the position an agent resumes from at ts.
// Agents with no history before ts get an empty position and step -1.
func (s *Service) OpeningPosition(ctx context.Context, agent, ts string) (domain.Position, int64, error) {
	pos, stepID, err := s.repo.OpeningPosition(ctx, agent, ts)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Str("agent", agent).Msg("Ledger DB read failed, falling back to journal")
		return s.journal.OpeningPosition(agent, ts)
	}
	return pos, stepID, err
}

// LatestStep returns the newest step for an agent.
func (s *Service) LatestStep(ctx context.Context, agent string) (*domain.PositionStep, error) {
	step, err := s.repo.LatestStep(ctx, agent)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Str("agent", agent).Msg("Ledger DB read failed, falling back to journal")
		return s.journal.LatestStep(agent)
	}
	return step, err
}

// History returns an agent's steps with timestamps in [from, to].
func (s *Service) History(ctx context.Context, agent, from, to string) ([]domain.PositionStep, error) {
	steps, err := s.repo.History(ctx, agent, from, to)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Str("agent", agent).Msg("Ledger DB read failed, falling back to journal")
		all, jerr := s.journal.Read(agent)
		if jerr != nil {
			return nil, fmt.Errorf("journal fallback failed after db error (%v): %w", err, jerr)
		}
		var out []domain.PositionStep
		for _, st := range all {
			if from != "" && st.Timestamp < from {
				continue
			}
			if to != "" && st.Timestamp > to {
				continue
			}
			out = append(out, st)
		}
		return out, nil
	}
	return steps, err
}

// Agents returns every known agent signature.
func (s *Service) Agents(ctx context.Context) ([]string, error) {
	agents, err := s.repo.Agents(ctx)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Msg("Ledger DB read failed, falling back to journal")
		return s.journal.Agents()
	}
	return agents, err
}

// HeldSymbols returns the union of symbols across all agents' latest
// positions.
func (s *Service) HeldSymbols(ctx context.Context) ([]string, error) {
	symbols, err := s.repo.HeldSymbols(ctx)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Msg("Ledger DB read failed, falling back to journal")
		return s.heldSymbolsFromJournal()
	}
	return symbols, err
}

func (s *Service) heldSymbolsFromJournal() ([]string, error) {
	agents, err := s.journal.Agents()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, agent := range agents {
		step, err := s.journal.LatestStep(agent)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for sym := range step.Holdings {
			seen[sym] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Trades returns an agent's buy and sell steps, oldest first.
func (s *Service) Trades(ctx context.Context, agent string) ([]domain.PositionStep, error) {
	trades, err := s.repo.Trades(ctx, agent)
	if s.canFallback(err) {
		s.log.Warn().Err(err).Str("agent", agent).Msg("Ledger DB read failed, falling back to journal")
		all, jerr := s.journal.Read(agent)
		if jerr != nil {
			return nil, jerr
		}
		var out []domain.PositionStep
		for _, st := range all {
			if st.Action.Verb != domain.ActionNoTrade {
				out = append(out, st)
			}
		}
		return out, nil
	}
	return trades, err
}
