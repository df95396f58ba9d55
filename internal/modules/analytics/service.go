// Package analytics marks ledger positions to market and derives
// performance metrics and technical indicators from the stored bars.
// Everything here is read-only over the ledger and market stores.
package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// Service computes valuations over ledger positions.
type Service struct {
	market   *marketdata.Service
	ledger   *ledger.Service
	snapshot *marketdata.SnapshotStore
	cfg      *config.Config
	log      zerolog.Logger
}

// NewService creates an analytics service. snapshot may be nil when no
// realtime quote file is configured; valuations then mark to the latest
// stored close only.
func NewService(market *marketdata.Service, ledgerSvc *ledger.Service, snapshot *marketdata.SnapshotStore, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		market:   market,
		ledger:   ledgerSvc,
		snapshot: snapshot,
		cfg:      cfg,
		log:      log.With().Str("component", "analytics").Logger(),
	}
}

// HoldingValue is one symbol's mark inside a valuation. Price and Value
// are nil when no price could be resolved.
type HoldingValue struct {
	Quantity int64    `json:"quantity"`
	Price    *float64 `json:"price"`
	Value    *float64 `json:"value"`
	Error    string   `json:"error,omitempty"`
}

// Valuation marks an agent's position to market.
type Valuation struct {
	Agent       string                  `json:"agent"`
	Timestamp   string                  `json:"timestamp"`
	StepID      int64                   `json:"step_id"`
	Action      domain.Action           `json:"action"`
	Holdings    map[string]HoldingValue `json:"holdings"`
	Cash        float64                 `json:"cash"`
	StockValue  float64                 `json:"stock_value"`
	TotalValue  float64                 `json:"total_value"`
	InitialCash float64                 `json:"initial_cash"`
	ReturnPct   float64                 `json:"return_pct"`
}

// Valuation marks the agent's latest position. Each holding is priced
// from the realtime snapshot when one is fresh, otherwise from the
// symbol's latest stored close. Unpriceable holdings are reported with a
// nil value and excluded from the totals.
func (s *Service) Valuation(ctx context.Context, agent string) (*Valuation, error) {
	step, err := s.ledger.LatestStep(ctx, agent)
	if err != nil {
		return nil, err
	}

	freq := domain.SignatureFrequency(agent)
	v := &Valuation{
		Agent:       agent,
		Timestamp:   step.Timestamp,
		StepID:      step.StepID,
		Action:      step.Action,
		Holdings:    make(map[string]HoldingValue, len(step.Holdings)),
		Cash:        round2(step.Cash),
		InitialCash: s.initialCashFor(agent),
	}

	var quotes map[string]domain.Quote
	if s.snapshot != nil {
		if snap, err := s.snapshot.Load(); err == nil {
			quotes = snap.Quotes
		}
	}

	stock := 0.0
	for sym, qty := range step.Holdings {
		hv := HoldingValue{Quantity: qty}
		price, err := s.markPrice(ctx, freq, sym, quotes)
		switch {
		case err != nil:
			return nil, err
		case price == nil:
			hv.Error = "price not available"
		default:
			value := round2(float64(qty) * *price)
			hv.Price = price
			hv.Value = &value
			stock += float64(qty) * *price
		}
		v.Holdings[sym] = hv
	}

	v.StockValue = round2(stock)
	v.TotalValue = round2(step.Cash + stock)
	if v.InitialCash > 0 {
		v.ReturnPct = round2((v.TotalValue - v.InitialCash) / v.InitialCash * 100)
	}
	return v, nil
}

// markPrice resolves the current mark for one symbol: a fresh realtime
// quote when available, otherwise the latest stored close. A symbol with
// no stored bars at all returns nil without error.
func (s *Service) markPrice(ctx context.Context, freq domain.Frequency, symbol string, quotes map[string]domain.Quote) (*float64, error) {
	if q, ok := quotes[symbol]; ok && q.Price > 0 {
		price := q.Price
		return &price, nil
	}
	bars, err := s.market.BarsRange(ctx, freq, symbol, "", "", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mark price for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}
	price := bars[len(bars)-1].Close
	return &price, nil
}

// EquityPoint is one end-of-session mark of an agent's position.
type EquityPoint struct {
	Timestamp  string  `json:"timestamp"`
	Cash       float64 `json:"cash"`
	StockValue float64 `json:"stock_value"`
	TotalValue float64 `json:"total_value"`
}

// EquityCurve values the agent's position after every decided timestamp,
// marking each holding at its close on that timestamp (or the nearest
// earlier close for symbols suspended that day).
func (s *Service) EquityCurve(ctx context.Context, agent string) ([]EquityPoint, error) {
	steps, err := s.ledger.History(ctx, agent, "", "")
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: agent %s has no history", domain.ErrNotFound, agent)
	}

	freq := domain.SignatureFrequency(agent)
	closes := newCloseCache(s.market, freq)

	curve := make([]EquityPoint, 0, len(steps))
	for i, st := range steps {
		// Only the last step of a timestamp is the settled position.
		if i+1 < len(steps) && steps[i+1].Timestamp == st.Timestamp {
			continue
		}
		stock := 0.0
		for sym, qty := range st.Holdings {
			price, err := closes.atOrBefore(ctx, sym, st.Timestamp)
			if err != nil {
				return nil, err
			}
			if price == nil {
				s.log.Debug().Str("symbol", sym).Str("timestamp", st.Timestamp).Msg("No close for holding, valued at zero")
				continue
			}
			stock += float64(qty) * *price
		}
		curve = append(curve, EquityPoint{
			Timestamp:  st.Timestamp,
			Cash:       round2(st.Cash),
			StockValue: round2(stock),
			TotalValue: round2(st.Cash + stock),
		})
	}
	return curve, nil
}

// initialCashFor resolves the agent's configured starting cash, falling
// back to the built-in default when the agents config is missing or
// does not list the agent.
func (s *Service) initialCashFor(agent string) float64 {
	agents, err := config.LoadAgentsConfig(s.cfg.AgentsConfigPath)
	if err != nil {
		return config.DefaultInitialCash
	}
	base := domain.SignatureBase(agent)
	for _, m := range agents.Models {
		if m.Name == base {
			_, _, _, cash := agents.Limits(m)
			return cash
		}
	}
	_, _, _, cash := agents.Limits(config.AgentEntry{})
	return cash
}

// closeCache memoizes close-at-or-before lookups across curve points.
type closeCache struct {
	market *marketdata.Service
	freq   domain.Frequency
	known  map[string]*float64
}

func newCloseCache(market *marketdata.Service, freq domain.Frequency) *closeCache {
	return &closeCache{market: market, freq: freq, known: make(map[string]*float64)}
}

func (c *closeCache) atOrBefore(ctx context.Context, symbol, ts string) (*float64, error) {
	key := symbol + "|" + ts
	if price, ok := c.known[key]; ok {
		return price, nil
	}
	bars, err := c.market.BarsRange(ctx, c.freq, symbol, "", ts, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve close for %s at %s: %w", symbol, ts, err)
	}
	var price *float64
	if len(bars) > 0 {
		v := bars[len(bars)-1].Close
		price = &v
	}
	c.known[key] = price
	return price, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
