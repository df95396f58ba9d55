// Package agent runs one LLM trading session per (agent, timestamp): it
// assembles the prompt context, loops over chat completions, executes the
// tool calls the model makes, and commits the resulting ledger steps.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/llm"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// NewsItem is one headline from a news provider.
type NewsItem struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary,omitempty"`
	Source  string   `json:"source,omitempty"`
	Time    string   `json:"time,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// NewsProvider serves recent headlines for the get_news tool. The toolset
// works without one; the tool then reports itself unavailable.
type NewsProvider interface {
	News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error)
}

// session is the mutable trading state one driver run threads through its
// tool calls. The position advances with every committed verb; opening
// stays fixed at the state the session started from.
type session struct {
	agent     string
	freq      domain.Frequency
	timestamp string
	opening   domain.Position
	pos       domain.Position
	nextStep  int64
	committed int
}

// Toolset executes the tool verbs a model may call during a session.
// Trade verbs commit ledger steps immediately; the rest are read-only.
type Toolset struct {
	market *marketdata.Service
	ledger *ledger.Service
	news   NewsProvider
	log    zerolog.Logger
}

// NewToolset creates a toolset. news may be nil.
func NewToolset(market *marketdata.Service, ledgerSvc *ledger.Service, news NewsProvider, log zerolog.Logger) *Toolset {
	return &Toolset{
		market: market,
		ledger: ledgerSvc,
		news:   news,
		log:    log.With().Str("component", "toolset").Logger(),
	}
}

// Definitions returns the tool declarations sent with every chat request.
func (t *Toolset) Definitions() []llm.Tool {
	return []llm.Tool{
		tool("buy", "Buy whole shares of one stock at the opening price of the session timestamp. The cost must fit in your cash.",
			`{"type":"object","properties":{"symbol":{"type":"string","description":"Stock code, e.g. 600519.SH"},"amount":{"type":"integer","minimum":1,"description":"Whole shares to buy"}},"required":["symbol","amount"]}`),
		tool("sell", "Sell whole shares of one stock you hold at the opening price of the session timestamp.",
			`{"type":"object","properties":{"symbol":{"type":"string","description":"Stock code, e.g. 600519.SH"},"amount":{"type":"integer","minimum":1,"description":"Whole shares to sell"}},"required":["symbol","amount"]}`),
		tool("no_trade", "Commit the decision to make no trade this session. Your cash and holdings stay unchanged.",
			`{"type":"object","properties":{}}`),
		tool("get_price", "Read OHLCV data for a stock at a timestamp. At the current session timestamp only the open price is known.",
			`{"type":"object","properties":{"symbol":{"type":"string","description":"Stock code, e.g. 600519.SH"},"date":{"type":"string","description":"Timestamp in the session's format; defaults to the session timestamp"}},"required":["symbol"]}`),
		tool("yesterday_pnl", "Profit or loss of your opening holdings over the previous trading timestamp: (close - open) x quantity per symbol.",
			`{"type":"object","properties":{}}`),
		tool("get_news", "Fetch recent market news headlines, optionally filtered by stock codes.",
			`{"type":"object","properties":{"symbols":{"type":"array","items":{"type":"string"},"description":"Stock codes to filter by"},"limit":{"type":"integer","minimum":1,"description":"Maximum headlines to return, default 10"}},"required":[]}`),
	}
}

func tool(name, description, schema string) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(schema),
		},
	}
}

// Execute runs one tool call and returns the content of the tool message.
// Anything the model can react to (bad arguments, insufficient funds,
// missing prices) comes back as a tool-visible error with a nil Go error.
// A returned error means the session cannot safely continue.
func (t *Toolset) Execute(ctx context.Context, st *session, call llm.ToolCall) (string, error) {
	switch call.Function.Name {
	case "buy":
		return t.execBuy(ctx, st, call.Function.Arguments)
	case "sell":
		return t.execSell(ctx, st, call.Function.Arguments)
	case "no_trade":
		return t.execNoTrade(ctx, st)
	case "get_price":
		return t.execGetPrice(ctx, st, call.Function.Arguments)
	case "yesterday_pnl":
		return t.execYesterdayPnL(ctx, st)
	case "get_news":
		return t.execGetNews(ctx, st, call.Function.Arguments)
	default:
		return toolError(fmt.Sprintf("unknown tool %q", call.Function.Name)), nil
	}
}

type tradeArgs struct {
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

func (t *Toolset) execBuy(ctx context.Context, st *session, rawArgs string) (string, error) {
	var args tradeArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return toolError("buy: arguments must be {symbol, amount} with a whole-number amount: " + err.Error()), nil
	}
	if args.Amount <= 0 {
		return toolError(fmt.Sprintf("buy: amount must be a positive whole number of shares, got %d", args.Amount)), nil
	}
	sym := domain.NormalizeCode(args.Symbol)

	price, err := t.openPrice(ctx, st, sym)
	if err != nil {
		return toolError(err.Error()), nil
	}

	cost := price * float64(args.Amount)
	if cost > st.pos.Cash {
		return toolError(fmt.Sprintf("buy: insufficient cash: %d x %.2f = %.2f exceeds cash %.2f", args.Amount, price, cost, st.pos.Cash)), nil
	}

	pos := st.pos.Clone()
	pos.Cash -= cost
	pos.Holdings[sym] += args.Amount

	return t.commit(ctx, st, domain.Action{Verb: domain.ActionBuy, Symbol: sym, Amount: args.Amount}, pos, price)
}

func (t *Toolset) execSell(ctx context.Context, st *session, rawArgs string) (string, error) {
	var args tradeArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return toolError("sell: arguments must be {symbol, amount} with a whole-number amount: " + err.Error()), nil
	}
	if args.Amount <= 0 {
		return toolError(fmt.Sprintf("sell: amount must be a positive whole number of shares, got %d", args.Amount)), nil
	}
	sym := domain.NormalizeCode(args.Symbol)

	held := st.pos.Holdings[sym]
	if args.Amount > held {
		return toolError(fmt.Sprintf("sell: you hold %d shares of %s, cannot sell %d", held, sym, args.Amount)), nil
	}

	price, err := t.openPrice(ctx, st, sym)
	if err != nil {
		return toolError(err.Error()), nil
	}

	pos := st.pos.Clone()
	pos.Cash += price * float64(args.Amount)
	if held == args.Amount {
		delete(pos.Holdings, sym)
	} else {
		pos.Holdings[sym] = held - args.Amount
	}

	return t.commit(ctx, st, domain.Action{Verb: domain.ActionSell, Symbol: sym, Amount: args.Amount}, pos, price)
}

func (t *Toolset) execNoTrade(ctx context.Context, st *session) (string, error) {
	return t.commit(ctx, st, domain.NoTrade(), st.pos.Clone(), 0)
}

// CommitNoTrade writes the identity step. The driver uses it as the
// sentinel when a session ends without any committed verb.
func (t *Toolset) CommitNoTrade(ctx context.Context, st *session) error {
	before := st.committed
	out, err := t.commit(ctx, st, domain.NoTrade(), st.pos.Clone(), 0)
	if err != nil {
		return err
	}
	if st.committed == before {
		return fmt.Errorf("%w: sentinel no_trade rejected: %s", domain.ErrValidation, out)
	}
	return nil
}

// openPrice resolves the opening price a trade executes at. Every failure
// is a tool-visible condition: the model can still decide to no_trade.
func (t *Toolset) openPrice(ctx context.Context, st *session, sym string) (float64, error) {
	price, err := t.market.OpenPrice(ctx, st.freq, sym, st.timestamp)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("no open price for %s at %s", sym, st.timestamp)
	}
	if err != nil {
		t.log.Error().Err(err).Str("symbol", sym).Msg("Open price lookup failed")
		return 0, fmt.Errorf("price lookup for %s failed, try no_trade", sym)
	}
	if price <= 0 {
		return 0, fmt.Errorf("no open price for %s at %s", sym, st.timestamp)
	}
	return price, nil
}

// commit writes one ledger step and advances the session state. A
// validation rejection comes back as a tool error; a dual-store write
// failure is fatal to the session.
func (t *Toolset) commit(ctx context.Context, st *session, action domain.Action, pos domain.Position, price float64) (string, error) {
	step := &domain.PositionStep{
		Agent:     st.agent,
		Timestamp: st.timestamp,
		StepID:    st.nextStep,
		Action:    action,
		Cash:      pos.Cash,
		Holdings:  pos.Holdings,
	}

	if err := t.ledger.RecordStep(ctx, step); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return toolError(fmt.Sprintf("%s rejected: %v", action.Verb, err)), nil
		}
		return "", fmt.Errorf("failed to commit %s step: %w", action.Verb, err)
	}

	st.pos = pos
	st.nextStep++
	st.committed++

	result := map[string]interface{}{
		"committed": string(action.Verb),
		"step_id":   step.StepID,
		"cash":      step.Cash,
		"holdings":  step.Holdings,
	}
	if action.Verb != domain.ActionNoTrade {
		result["symbol"] = action.Symbol
		result["amount"] = action.Amount
		result["price"] = price
	}

	t.log.Info().
		Str("agent", st.agent).
		Str("timestamp", st.timestamp).
		Int64("step", step.StepID).
		Str("action", string(action.Verb)).
		Msg("Step committed")
	return toolResult(result), nil
}

type priceArgs struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
}

func (t *Toolset) execGetPrice(ctx context.Context, st *session, rawArgs string) (string, error) {
	var args priceArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return toolError("get_price: arguments must be {symbol, date?}: " + err.Error()), nil
	}
	sym := domain.NormalizeCode(args.Symbol)
	ts := args.Date
	if ts == "" {
		ts = st.timestamp
	}

	bar, err := t.market.Bar(ctx, st.freq, sym, ts)
	if errors.Is(err, domain.ErrNotFound) {
		return toolError(fmt.Sprintf("get_price: no bar for %s at %s", sym, ts)), nil
	}
	if err != nil {
		t.log.Error().Err(err).Str("symbol", sym).Msg("Bar lookup failed")
		return toolError(fmt.Sprintf("get_price: lookup for %s failed", sym)), nil
	}

	ohlcv := map[string]interface{}{
		"open":   bar.Open,
		"high":   bar.High,
		"low":    bar.Low,
		"close":  bar.Close,
		"volume": bar.Volume,
	}
	if ts == st.timestamp {
		// The session trades at the open; the rest of the current bar is
		// still in the future and must not leak to the model.
		ohlcv["high"] = "You can not get the current high price"
		ohlcv["low"] = "You can not get the current low price"
		ohlcv["close"] = "You can not get the next close price"
		ohlcv["volume"] = "You can not get the current volume"
	}

	return toolResult(map[string]interface{}{
		"symbol": sym,
		"date":   ts,
		"ohlcv":  ohlcv,
	}), nil
}

func (t *Toolset) execYesterdayPnL(ctx context.Context, st *session) (string, error) {
	prev, pnl, err := yesterdayPnL(ctx, t.market, st.freq, st.timestamp, st.opening.Holdings)
	if errors.Is(err, domain.ErrNotFound) {
		return toolError(fmt.Sprintf("yesterday_pnl: no trading timestamp before %s", st.timestamp)), nil
	}
	if err != nil {
		t.log.Error().Err(err).Msg("Yesterday P&L lookup failed")
		return toolError("yesterday_pnl: price lookup failed"), nil
	}

	total := 0.0
	for _, p := range pnl {
		total += p
	}
	return toolResult(map[string]interface{}{
		"timestamp": prev,
		"pnl":       pnl,
		"total":     math.Round(total*10000) / 10000,
	}), nil
}

type newsArgs struct {
	Symbols []string `json:"symbols"`
	Limit   int      `json:"limit"`
}

func (t *Toolset) execGetNews(ctx context.Context, st *session, rawArgs string) (string, error) {
	if t.news == nil {
		return toolError("get_news: no news provider is configured"), nil
	}

	var args newsArgs
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return toolError("get_news: arguments must be {symbols?, limit?}: " + err.Error()), nil
		}
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}
	for i, sym := range args.Symbols {
		args.Symbols[i] = domain.NormalizeCode(sym)
	}

	items, err := t.news.News(ctx, args.Symbols, args.Limit)
	if err != nil {
		t.log.Error().Err(err).Msg("News fetch failed")
		return toolError("get_news: news fetch failed"), nil
	}
	return toolResult(map[string]interface{}{
		"count": len(items),
		"items": items,
	}), nil
}

// yesterdayPnL computes per-symbol (close - open) x quantity over the
// previous trading timestamp. Symbols without both prices score zero, the
// way suspended symbols should.
func yesterdayPnL(ctx context.Context, market *marketdata.Service, freq domain.Frequency, ts string, holdings domain.Holdings) (string, map[string]float64, error) {
	prev, err := market.PrevTimestamp(ctx, freq, ts)
	if err != nil {
		return "", nil, err
	}

	pnl := make(map[string]float64, len(holdings))
	if len(holdings) == 0 {
		return prev, pnl, nil
	}

	symbols := make([]string, 0, len(holdings))
	for sym := range holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	opens, err := market.OpenPrices(ctx, freq, prev, symbols)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", nil, err
	}
	closes, err := market.ClosePrices(ctx, freq, prev, symbols)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", nil, err
	}

	for _, sym := range symbols {
		o, okOpen := opens[sym]
		c, okClose := closes[sym]
		qty := holdings[sym]
		if okOpen && okClose && qty > 0 {
			pnl[sym] = math.Round((c-o)*float64(qty)*10000) / 10000
		} else {
			pnl[sym] = 0
		}
	}
	return prev, pnl, nil
}

func toolResult(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return toolError("failed to encode tool result: " + err.Error())
	}
	return string(b)
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
