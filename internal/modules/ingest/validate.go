package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// DefaultMaxBarAge is how old a tracked symbol's newest bar may be before
// the validator flags it stale. Five calendar days spans a weekend plus a
// short holiday.
const DefaultMaxBarAge = 5 * 24 * time.Hour

// Report is the outcome of a store health check.
//
// Missing lists expected symbols with no bars at all; MissingHeld is the
// subset of those some agent holds. Extra lists stored symbols outside the
// expected universe, usually positions sold after a delisting. Stale lists
// tracked symbols whose newest bar is older than the staleness window.
type Report struct {
	Frequency   domain.Frequency `json:"frequency"`
	CheckedAt   time.Time        `json:"checked_at"`
	Missing     []string         `json:"missing"`
	MissingHeld []string         `json:"missing_held"`
	Extra       []string         `json:"extra"`
	Stale       []string         `json:"stale"`
	Held        []string         `json:"held"`
	Valid       bool             `json:"valid"`
}

// Validator checks the bar store against the expected symbol universe:
// every stored index constituent and every held symbol should have bars,
// none of them older than MaxAge.
type Validator struct {
	market    *marketdata.Service
	held      HeldSymbolSource
	indexCode string
	maxAge    time.Duration
	log       zerolog.Logger
}

// NewValidator creates a validator with the default staleness window.
func NewValidator(market *marketdata.Service, held HeldSymbolSource, indexCode string, log zerolog.Logger) *Validator {
	if indexCode == "" {
		indexCode = domain.DefaultIndexCode
	}
	return &Validator{
		market:    market,
		held:      held,
		indexCode: indexCode,
		maxAge:    DefaultMaxBarAge,
		log:       log.With().Str("component", "validator").Logger(),
	}
}

// Report compares the store against constituents and holdings as of now.
// A store with no constituent snapshot yet validates against held symbols
// alone.
func (v *Validator) Report(ctx context.Context, freq domain.Frequency, now time.Time) (*Report, error) {
	report := &Report{
		Frequency:   freq,
		CheckedAt:   now,
		Missing:     []string{},
		MissingHeld: []string{},
		Extra:       []string{},
		Stale:       []string{},
		Held:        []string{},
	}

	expected := make(map[string]struct{})
	weights, err := v.market.IndexWeights(ctx, v.indexCode, "")
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load stored constituents: %w", err)
	}
	for _, w := range weights {
		expected[domain.NormalizeCode(w.Symbol)] = struct{}{}
	}

	held, err := v.held.HeldSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read held symbols: %w", err)
	}
	heldSet := make(map[string]struct{}, len(held))
	for _, sym := range held {
		sym = domain.NormalizeCode(sym)
		heldSet[sym] = struct{}{}
		expected[sym] = struct{}{}
		report.Held = append(report.Held, sym)
	}

	stored, err := v.market.Symbols(ctx, freq)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to list stored symbols: %w", err)
	}
	storedSet := make(map[string]struct{}, len(stored))
	for _, sym := range stored {
		storedSet[sym] = struct{}{}
	}

	cutoff := now.Add(-v.maxAge)
	for sym := range expected {
		if _, ok := storedSet[sym]; !ok {
			report.Missing = append(report.Missing, sym)
			if _, isHeld := heldSet[sym]; isHeld {
				report.MissingHeld = append(report.MissingHeld, sym)
			}
			continue
		}

		tip, err := v.market.MaxTimestampFor(ctx, freq, sym)
		if err != nil {
			v.log.Warn().Err(err).Str("symbol", sym).Msg("Failed to read store tip during validation")
			continue
		}
		ts, perr := freq.ParseTimestamp(tip)
		if perr != nil || ts.Before(cutoff) {
			report.Stale = append(report.Stale, sym)
		}
	}

	// Symbols outside the expected universe are reported but never counted
	// against validity; nothing refreshes them once they leave the index
	// and the books.
	for sym := range storedSet {
		if _, ok := expected[sym]; !ok {
			report.Extra = append(report.Extra, sym)
		}
	}

	sort.Strings(report.Missing)
	sort.Strings(report.MissingHeld)
	sort.Strings(report.Extra)
	sort.Strings(report.Stale)
	sort.Strings(report.Held)

	report.Valid = len(report.Missing) == 0 && len(report.Stale) == 0

	if !report.Valid {
		v.log.Warn().
			Str("freq", string(freq)).
			Int("missing", len(report.Missing)).
			Int("stale", len(report.Stale)).
			Msg("Store validation found gaps")
	}
	return report, nil
}
