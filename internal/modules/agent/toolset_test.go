package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/llm"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	testingpkg "github.com/renqi/tradewind/internal/testing"
)

func newTestStores(t *testing.T) (*marketdata.Service, *ledger.Service, *sql.DB) {
	t.Helper()

	marketDB, cleanupMarket := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()

	market := marketdata.NewService(
		marketdata.NewRepository(marketDB.Conn(), log),
		marketdata.NewJournal(
			filepath.Join(dir, "merged.jsonl"),
			filepath.Join(dir, "merged_hourly.jsonl"),
			log,
		),
		false, log)

	ledgerSvc := ledger.NewService(
		ledger.NewRepository(ledgerDB.Conn(), log),
		ledger.NewJournal(filepath.Join(dir, "agents"), log),
		false, log)

	return market, ledgerSvc, ledgerDB.Conn()
}

func newTestToolset(t *testing.T) (*Toolset, *marketdata.Service, *ledger.Service) {
	t.Helper()
	market, ledgerSvc, _ := newTestStores(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewToolset(market, ledgerSvc, nil, log), market, ledgerSvc
}

func seedDailyBars(t *testing.T, market *marketdata.Service, bars ...domain.Bar) {
	t.Helper()
	require.NoError(t, market.StoreBars(context.Background(), domain.FrequencyDaily, bars))
}

func bar(symbol, date string, open, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: date,
		Open:      open,
		High:      close + 5,
		Low:       open - 5,
		Close:     close,
		Volume:    10000,
	}
}

func newSession(agent string, cash float64, ts string) *session {
	pos := domain.NewPosition(cash)
	return &session{
		agent:     agent,
		freq:      domain.FrequencyDaily,
		timestamp: ts,
		opening:   pos.Clone(),
		pos:       pos,
	}
}

func decodeTool(t *testing.T, content string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content), &m), "tool content should be JSON: %s", content)
	return m
}

func exec(t *testing.T, ts *Toolset, st *session, name, args string) string {
	t.Helper()
	content, err := ts.Execute(context.Background(), st, llm.Call("call_test", name, args))
	require.NoError(t, err)
	return content
}

func TestDefinitionsExposeAllTools(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	defs := toolset.Definitions()
	require.Len(t, defs, 6)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.True(t, json.Valid(d.Function.Parameters), "%s schema should be valid JSON", d.Function.Name)
		assert.NotEmpty(t, d.Function.Description)
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{"buy", "sell", "no_trade", "get_price", "yesterday_pnl", "get_news"}, names)
}

func TestBuyCommitsStep(t *testing.T) {
	toolset, market, ledgerSvc := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-02", 1700, 1720))

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "buy", `{"symbol": "600519.SH", "amount": 10}`)

	data := decodeTool(t, content)
	assert.Equal(t, "buy", data["committed"])
	assert.Equal(t, float64(0), data["step_id"])
	assert.Equal(t, 83000.0, data["cash"])
	assert.Equal(t, 1700.0, data["price"])

	assert.Equal(t, 83000.0, st.pos.Cash)
	assert.Equal(t, int64(10), st.pos.Holdings["600519.SH"])
	assert.Equal(t, int64(1), st.nextStep)
	assert.Equal(t, 1, st.committed)

	step, err := ledgerSvc.LatestStep(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, step.Action.Verb)
	assert.Equal(t, int64(10), step.Action.Amount)
	assert.Equal(t, 83000.0, step.Cash)
}

func TestBuyInsufficientCash(t *testing.T) {
	toolset, market, ledgerSvc := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-02", 1700, 1720))

	st := newSession("gpt-4o", 1000, "2025-01-02")
	content := exec(t, toolset, st, "buy", `{"symbol": "600519.SH", "amount": 10}`)

	data := decodeTool(t, content)
	assert.Contains(t, data["error"], "insufficient cash")

	assert.Equal(t, 0, st.committed)
	assert.Equal(t, 1000.0, st.pos.Cash)

	next, err := ledgerSvc.NextStepID(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)
}

func TestBuyRejectsUnknownSymbol(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "buy", `{"symbol": "600036.SH", "amount": 1}`)
	assert.Contains(t, decodeTool(t, content)["error"], "no open price")
}

func TestBuyRejectsBadAmounts(t *testing.T) {
	toolset, market, _ := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-02", 1700, 1720))

	st := newSession("gpt-4o", 100000, "2025-01-02")

	content := exec(t, toolset, st, "buy", `{"symbol": "600519.SH", "amount": 10.5}`)
	assert.Contains(t, decodeTool(t, content)["error"], "whole-number")

	content = exec(t, toolset, st, "buy", `{"symbol": "600519.SH", "amount": 0}`)
	assert.Contains(t, decodeTool(t, content)["error"], "positive whole number")

	assert.Equal(t, 0, st.committed)
}

func TestSellPartialThenAll(t *testing.T) {
	toolset, market, ledgerSvc := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-03", 1710, 1705))

	st := newSession("gpt-4o", 83000, "2025-01-03")
	st.pos.Holdings["600519.SH"] = 10
	st.opening = st.pos.Clone()

	content := exec(t, toolset, st, "sell", `{"symbol": "600519.SH", "amount": 4}`)
	data := decodeTool(t, content)
	assert.Equal(t, "sell", data["committed"])
	assert.Equal(t, 89840.0, data["cash"])
	assert.Equal(t, int64(6), st.pos.Holdings["600519.SH"])

	content = exec(t, toolset, st, "sell", `{"symbol": "600519.SH", "amount": 6}`)
	data = decodeTool(t, content)
	assert.Equal(t, 89840.0+6*1710.0, data["cash"])

	_, held := st.pos.Holdings["600519.SH"]
	assert.False(t, held, "a fully sold symbol drops out of holdings")

	step, err := ledgerSvc.LatestStep(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Empty(t, step.Holdings)
}

func TestSellMoreThanHeld(t *testing.T) {
	toolset, market, _ := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-02", 1700, 1720))

	st := newSession("gpt-4o", 100000, "2025-01-02")
	st.pos.Holdings["600519.SH"] = 3

	content := exec(t, toolset, st, "sell", `{"symbol": "600519.SH", "amount": 5}`)
	assert.Contains(t, decodeTool(t, content)["error"], "cannot sell 5")
	assert.Equal(t, 0, st.committed)
}

func TestNoTradeKeepsPosition(t *testing.T) {
	toolset, _, ledgerSvc := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "no_trade", `{}`)

	data := decodeTool(t, content)
	assert.Equal(t, "no_trade", data["committed"])
	assert.Equal(t, 100000.0, data["cash"])

	step, err := ledgerSvc.LatestStep(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoTrade, step.Action.Verb)
	assert.Equal(t, 100000.0, step.Cash)
	assert.Empty(t, step.Holdings)
}

func TestDuplicateStepIDIsToolError(t *testing.T) {
	toolset, market, _ := newTestToolset(t)
	seedDailyBars(t, market, bar("600519.SH", "2025-01-02", 1700, 1720))

	st := newSession("gpt-4o", 100000, "2025-01-02")
	exec(t, toolset, st, "buy", `{"symbol": "600519.SH", "amount": 1}`)
	require.Equal(t, 1, st.committed)

	// A stale step id collides with the row just written.
	st.nextStep = 0
	content := exec(t, toolset, st, "no_trade", `{}`)
	assert.Contains(t, decodeTool(t, content)["error"], "rejected")
	assert.Equal(t, 1, st.committed)
}

func TestGetPriceMasksCurrentBar(t *testing.T) {
	toolset, market, _ := newTestToolset(t)
	seedDailyBars(t, market,
		bar("600519.SH", "2025-01-01", 1690, 1700),
		bar("600519.SH", "2025-01-02", 1700, 1720),
	)

	st := newSession("gpt-4o", 100000, "2025-01-02")

	data := decodeTool(t, exec(t, toolset, st, "get_price", `{"symbol": "600519.SH"}`))
	ohlcv := data["ohlcv"].(map[string]interface{})
	assert.Equal(t, 1700.0, ohlcv["open"])
	assert.Equal(t, "You can not get the next close price", ohlcv["close"])
	assert.Equal(t, "You can not get the current volume", ohlcv["volume"])

	data = decodeTool(t, exec(t, toolset, st, "get_price", `{"symbol": "600519.SH", "date": "2025-01-01"}`))
	ohlcv = data["ohlcv"].(map[string]interface{})
	assert.Equal(t, 1690.0, ohlcv["open"])
	assert.Equal(t, 1700.0, ohlcv["close"])
}

func TestGetPriceUnknownBar(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "get_price", `{"symbol": "600519.SH", "date": "2024-01-01"}`)
	assert.Contains(t, decodeTool(t, content)["error"], "no bar")
}

func TestYesterdayPnL(t *testing.T) {
	toolset, market, _ := newTestToolset(t)
	seedDailyBars(t, market,
		bar("600519.SH", "2025-01-01", 1690, 1700),
		bar("600519.SH", "2025-01-02", 1700, 1720),
	)

	st := newSession("gpt-4o", 83000, "2025-01-02")
	st.opening.Holdings["600519.SH"] = 10
	st.pos = st.opening.Clone()

	data := decodeTool(t, exec(t, toolset, st, "yesterday_pnl", `{}`))
	assert.Equal(t, "2025-01-01", data["timestamp"])

	pnl := data["pnl"].(map[string]interface{})
	assert.Equal(t, 100.0, pnl["600519.SH"], "(1700-1690) x 10 shares")
	assert.Equal(t, 100.0, data["total"])
}

func TestYesterdayPnLWithoutHistory(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "yesterday_pnl", `{}`)
	assert.Contains(t, decodeTool(t, content)["error"], "no trading timestamp")
}

type fakeNews struct {
	symbols []string
	limit   int
	items   []NewsItem
}

func (f *fakeNews) News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error) {
	f.symbols = symbols
	f.limit = limit
	return f.items, nil
}

func TestGetNews(t *testing.T) {
	market, ledgerSvc, _ := newTestStores(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	news := &fakeNews{items: []NewsItem{
		{Title: "贵州茅台发布年报", Source: "eastmoney"},
		{Title: "白酒板块走强", Source: "eastmoney"},
	}}
	toolset := NewToolset(market, ledgerSvc, news, log)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	data := decodeTool(t, exec(t, toolset, st, "get_news", `{"symbols": ["600519"], "limit": 5}`))

	assert.Equal(t, float64(2), data["count"])
	assert.Equal(t, []string{"600519.SH"}, news.symbols)
	assert.Equal(t, 5, news.limit)
}

func TestGetNewsWithoutProvider(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "get_news", `{}`)
	assert.Contains(t, decodeTool(t, content)["error"], "not configured")
}

func TestUnknownTool(t *testing.T) {
	toolset, _, _ := newTestToolset(t)

	st := newSession("gpt-4o", 100000, "2025-01-02")
	content := exec(t, toolset, st, "short_sell", `{}`)
	assert.Contains(t, decodeTool(t, content)["error"], "unknown tool")
}
