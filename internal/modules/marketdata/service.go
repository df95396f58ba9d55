package marketdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// Service is the read/write facade over the market database and the merged
// journal files.
//
// Reads hit the database first. When the database read itself fails (I/O
// error, missing table) the service retries against the journal. A clean
// empty result is NOT a failure and never triggers the fallback; callers
// see domain.ErrNotFound from either source the same way.
//
// Writes go to both stores. A write only errors when both stores reject
// it; a single-store failure is logged and the write counts as durable.
type Service struct {
	repo             *Repository
	journal          *Journal
	fallbackDisabled bool
	log              zerolog.Logger
}

// NewService creates a market data service.
func NewService(repo *Repository, journal *Journal, fallbackDisabled bool, log zerolog.Logger) *Service {
	return &Service{
		repo:             repo,
		journal:          journal,
		fallbackDisabled: fallbackDisabled,
		log:              log.With().Str("component", "marketdata").Logger(),
	}
}

// canFallback reports whether a database error should be retried against
// the journal. ErrNotFound is a legitimate answer, not a store failure.
func (s *Service) canFallback(err error) bool {
	if s.fallbackDisabled {
		return false
	}
	return err != nil && !errors.Is(err, domain.ErrNotFound)
}

func (s *Service) loadJournal(freq domain.Frequency, dbErr error) (*SeriesSet, error) {
	s.log.Warn().Err(dbErr).Str("freq", string(freq)).Msg("Market DB read failed, falling back to journal")
	set, jerr := s.journal.Load(freq)
	if jerr != nil {
		return nil, fmt.Errorf("journal fallback failed after db error (%v): %w", dbErr, jerr)
	}
	return set, nil
}

// StoreBars writes bars to the database and the journal.
func (s *Service) StoreBars(ctx context.Context, freq domain.Frequency, bars []domain.Bar) error {
	dbErr := s.repo.UpsertBars(ctx, freq, bars)
	jErr := s.journal.MergeBars(freq, bars)

	switch {
	case dbErr == nil && jErr == nil:
		return nil
	case dbErr != nil && jErr != nil:
		return fmt.Errorf("both market stores failed: db: %v; journal: %w", dbErr, jErr)
	case dbErr != nil:
		s.log.Error().Err(dbErr).Int("bars", len(bars)).Msg("Market DB write failed, journal write succeeded")
		return nil
	default:
		s.log.Error().Err(jErr).Int("bars", len(bars)).Msg("Journal write failed, market DB write succeeded")
		return nil
	}
}

// OpenPrice returns one symbol's open price at an exact timestamp.
func (s *Service) OpenPrice(ctx context.Context, freq domain.Frequency, symbol, ts string) (float64, error) {
	prices, err := s.OpenPrices(ctx, freq, ts, []string{symbol})
	if err != nil {
		return 0, err
	}
	p, ok := prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s at %s", domain.ErrNotFound, symbol, ts)
	}
	return p, nil
}

// OpenPrices returns symbol -> open price at ts. Empty symbols means all
// symbols present at ts.
func (s *Service) OpenPrices(ctx context.Context, freq domain.Frequency, ts string, symbols []string) (map[string]float64, error) {
	prices, err := s.repo.OpenPrices(ctx, freq, ts, symbols)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.OpenPrices(ts, symbols)
	}
	return prices, err
}

// ClosePrices returns symbol -> close price at ts.
func (s *Service) ClosePrices(ctx context.Context, freq domain.Frequency, ts string, symbols []string) (map[string]float64, error) {
	prices, err := s.repo.ClosePrices(ctx, freq, ts, symbols)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.ClosePrices(ts, symbols)
	}
	return prices, err
}

// Bar returns the bar for a symbol at an exact timestamp.
func (s *Service) Bar(ctx context.Context, freq domain.Frequency, symbol, ts string) (*domain.Bar, error) {
	bar, err := s.repo.Bar(ctx, freq, symbol, ts)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.Bar(symbol, ts)
	}
	return bar, err
}

// BarsRange returns one symbol's bars in [from, to], oldest first.
func (s *Service) BarsRange(ctx context.Context, freq domain.Frequency, symbol, from, to string, limit int) ([]domain.Bar, error) {
	bars, err := s.repo.BarsRange(ctx, freq, symbol, from, to, limit)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.BarsRange(symbol, from, to, limit)
	}
	return bars, err
}

// Timestamps returns distinct trading timestamps in [from, to], oldest first.
func (s *Service) Timestamps(ctx context.Context, freq domain.Frequency, from, to string) ([]string, error) {
	tss, err := s.repo.Timestamps(ctx, freq, from, to)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.Timestamps(from, to)
	}
	return tss, err
}

// PrevTimestamp returns the latest trading timestamp strictly before ts.
func (s *Service) PrevTimestamp(ctx context.Context, freq domain.Frequency, ts string) (string, error) {
	prev, err := s.repo.PrevTimestamp(ctx, freq, ts)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return "", ferr
		}
		return set.PrevTimestamp(ts)
	}
	return prev, err
}

// NextTimestamp returns the earliest trading timestamp strictly after ts.
func (s *Service) NextTimestamp(ctx context.Context, freq domain.Frequency, ts string) (string, error) {
	next, err := s.repo.NextTimestamp(ctx, freq, ts)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return "", ferr
		}
		return set.NextTimestamp(ts)
	}
	return next, err
}

// LatestTimestamp returns the newest trading timestamp stored.
func (s *Service) LatestTimestamp(ctx context.Context, freq domain.Frequency) (string, error) {
	latest, err := s.repo.LatestTimestamp(ctx, freq)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return "", ferr
		}
		return set.LatestTimestamp()
	}
	return latest, err
}

// EarliestTimestamp returns the oldest trading timestamp stored.
func (s *Service) EarliestTimestamp(ctx context.Context, freq domain.Frequency) (string, error) {
	earliest, err := s.repo.EarliestTimestamp(ctx, freq)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return "", ferr
		}
		return set.EarliestTimestamp()
	}
	return earliest, err
}

// IsTradingTimestamp reports whether ts is a trading timestamp.
func (s *Service) IsTradingTimestamp(ctx context.Context, freq domain.Frequency, ts string) (bool, error) {
	ok, err := s.repo.IsTradingTimestamp(ctx, freq, ts)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return false, ferr
		}
		return set.IsTradingTimestamp(ts), nil
	}
	return ok, err
}

// MaxTimestampFor returns the newest timestamp stored for one symbol.
func (s *Service) MaxTimestampFor(ctx context.Context, freq domain.Frequency, symbol string) (string, error) {
	latest, err := s.repo.MaxTimestampFor(ctx, freq, symbol)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return "", ferr
		}
		return set.MaxTimestampFor(symbol)
	}
	return latest, err
}

// Symbols returns all symbols with at least one stored bar.
func (s *Service) Symbols(ctx context.Context, freq domain.Frequency) ([]string, error) {
	syms, err := s.repo.Symbols(ctx, freq)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.Symbols(), nil
	}
	return syms, err
}

// SymbolsAt returns the symbols with a bar at an exact timestamp.
func (s *Service) SymbolsAt(ctx context.Context, freq domain.Frequency, ts string) ([]string, error) {
	syms, err := s.repo.SymbolsAt(ctx, freq, ts)
	if s.canFallback(err) {
		set, ferr := s.loadJournal(freq, err)
		if ferr != nil {
			return nil, ferr
		}
		return set.SymbolsAt(ts), nil
	}
	return syms, err
}

// StoreIndexBars writes daily index bars. Index data has no journal twin.
func (s *Service) StoreIndexBars(ctx context.Context, bars []domain.IndexBar) error {
	return s.repo.UpsertIndexBars(ctx, bars)
}

// IndexBars returns daily index bars in [from, to], oldest first.
func (s *Service) IndexBars(ctx context.Context, indexCode, from, to string) ([]domain.IndexBar, error) {
	return s.repo.IndexBars(ctx, indexCode, from, to)
}

// LatestIndexDate returns the newest stored date for an index.
func (s *Service) LatestIndexDate(ctx context.Context, indexCode string) (string, error) {
	return s.repo.LatestIndexDate(ctx, indexCode)
}

// StoreIndexWeights writes index constituent weights.
func (s *Service) StoreIndexWeights(ctx context.Context, weights []domain.IndexWeight) error {
	return s.repo.UpsertIndexWeights(ctx, weights)
}

// IndexWeights returns the constituents of an index as of a date.
func (s *Service) IndexWeights(ctx context.Context, indexCode, date string) ([]domain.IndexWeight, error) {
	return s.repo.IndexWeights(ctx, indexCode, date)
}
