package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

const systemPrompt = `You are an autonomous fund manager trading Chinese A-share stocks with virtual money.

Rules:
- All trades execute at the opening price of the current session timestamp.
- Shares are whole numbers. A buy must fit in your cash; a sell cannot exceed what you hold.
- Commit decisions with the buy, sell and no_trade tools. Every committed step is final.
- You may commit several trades in one session; if you decide to do nothing, commit no_trade.
- Use get_price, yesterday_pnl and get_news to inform yourself before deciding.
- When you are done with this session, reply without calling any tool.`

// sessionContext is the machine-readable block of the opening user message.
type sessionContext struct {
	Timestamp     string             `json:"timestamp"`
	Frequency     domain.Frequency   `json:"frequency"`
	Cash          float64            `json:"cash"`
	Holdings      domain.Holdings    `json:"holdings"`
	Tradable      []string           `json:"tradable_symbols"`
	OpenPrices    map[string]float64 `json:"open_prices"`
	PrevTimestamp string             `json:"previous_timestamp,omitempty"`
	YesterdayPnL  map[string]float64 `json:"yesterday_pnl,omitempty"`
}

// buildContext assembles the user message that opens a session: the
// portfolio the agent resumes from and the market it can see.
func buildContext(ctx context.Context, market *marketdata.Service, st *session) (string, error) {
	sc := sessionContext{
		Timestamp: st.timestamp,
		Frequency: st.freq,
		Cash:      st.opening.Cash,
		Holdings:  st.opening.Holdings,
	}

	tradable, err := market.SymbolsAt(ctx, st.freq, st.timestamp)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to list tradable symbols: %w", err)
	}
	sc.Tradable = tradable

	if len(tradable) > 0 {
		opens, err := market.OpenPrices(ctx, st.freq, st.timestamp, tradable)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("failed to read opening prices: %w", err)
		}
		sc.OpenPrices = opens
	}

	prev, pnl, err := yesterdayPnL(ctx, market, st.freq, st.timestamp, st.opening.Holdings)
	if err == nil {
		sc.PrevTimestamp = prev
		sc.YesterdayPnL = pnl
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to compute prior-session P&L: %w", err)
	}

	payload, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session context: %w", err)
	}

	return fmt.Sprintf(
		"Trading session %s (%s frequency).\nYour portfolio and market context:\n%s\nDecide your trades for this session.",
		st.timestamp, st.freq, payload), nil
}
