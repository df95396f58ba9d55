package testing

import (
	"github.com/renqi/tradewind/internal/domain"
)

// NewBarFixtures returns four consecutive daily bars for two symbols.
// Prices are round numbers so trade-arithmetic assertions stay readable.
func NewBarFixtures() []domain.Bar {
	return []domain.Bar{
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02", Open: 100, High: 105, Low: 99, Close: 104, Volume: 12000},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-03", Open: 104, High: 110, Low: 103, Close: 108, Volume: 15000},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-04", Open: 108, High: 112, Low: 107, Close: 110, Volume: 9000},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-05", Open: 110, High: 111, Low: 105, Close: 106, Volume: 11000},
		{Symbol: "601318.SH", Name: "中国平安", Timestamp: "2025-06-02", Open: 50, High: 52, Low: 49, Close: 51, Volume: 30000},
		{Symbol: "601318.SH", Name: "中国平安", Timestamp: "2025-06-03", Open: 51, High: 53, Low: 50, Close: 52, Volume: 28000},
		{Symbol: "601318.SH", Name: "中国平安", Timestamp: "2025-06-04", Open: 52, High: 54, Low: 51, Close: 53, Volume: 26000},
		{Symbol: "601318.SH", Name: "中国平安", Timestamp: "2025-06-05", Open: 53, High: 55, Low: 52, Close: 54, Volume: 25000},
	}
}

// NewHourlyBarFixtures returns one hourly trading day (four aligned
// timestamps) for one symbol.
func NewHourlyBarFixtures() []domain.Bar {
	return []domain.Bar{
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02 10:30:00", Open: 100, High: 102, Low: 99, Close: 101, Volume: 3000},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02 11:30:00", Open: 101, High: 103, Low: 100, Close: 102, Volume: 2800},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02 14:00:00", Open: 102, High: 104, Low: 101, Close: 103, Volume: 2600},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02 15:00:00", Open: 103, High: 105, Low: 102, Close: 104, Volume: 2400},
	}
}

// NewStepFixtures returns a short decision history for one agent:
// initial capital injection, a buy, and a hold.
func NewStepFixtures(agent string) []domain.PositionStep {
	return []domain.PositionStep{
		{
			Agent:     agent,
			Timestamp: "2025-06-02",
			StepID:    0,
			Action:    domain.NoTrade(),
			Cash:      100000,
			Holdings:  domain.Holdings{},
		},
		{
			Agent:     agent,
			Timestamp: "2025-06-03",
			StepID:    1,
			Action:    domain.Action{Verb: domain.ActionBuy, Symbol: "600519.SH", Amount: 100},
			Cash:      89600, // 100000 - 100*104
			Holdings:  domain.Holdings{"600519.SH": 100},
		},
		{
			Agent:     agent,
			Timestamp: "2025-06-04",
			StepID:    2,
			Action:    domain.NoTrade(),
			Cash:      89600,
			Holdings:  domain.Holdings{"600519.SH": 100},
		},
	}
}

// NewIndexWeightFixtures returns benchmark constituents for one trade date.
func NewIndexWeightFixtures() []domain.IndexWeight {
	return []domain.IndexWeight{
		{IndexCode: domain.DefaultIndexCode, Symbol: "600519.SH", Date: "2025-06-02", Weight: 6.2, Name: "贵州茅台"},
		{IndexCode: domain.DefaultIndexCode, Symbol: "601318.SH", Date: "2025-06-02", Weight: 5.1, Name: "中国平安"},
		{IndexCode: domain.DefaultIndexCode, Symbol: "600036.SH", Date: "2025-06-02", Weight: 4.8, Name: "招商银行"},
	}
}
