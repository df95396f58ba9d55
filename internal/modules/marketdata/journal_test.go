package marketdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/domain"
	testingpkg "github.com/renqi/tradewind/internal/testing"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewJournal(
		filepath.Join(dir, "merged.jsonl"),
		filepath.Join(dir, "merged_hourly.jsonl"),
		log,
	)
}

func TestJournalRoundTrip(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.MergeBars(domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	set, err := j.Load(domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	bar, err := set.Bar("600519.SH", "2025-06-03")
	require.NoError(t, err)
	assert.Equal(t, 104.0, bar.Open)
	assert.Equal(t, 108.0, bar.Close)

	latest, err := set.LatestTimestamp()
	require.NoError(t, err)
	assert.Equal(t, "2025-06-05", latest)
}

func TestJournalMergeReplacesAndExtends(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.MergeBars(domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	// Replace one bar, add a new day and a new symbol
	require.NoError(t, j.MergeBars(domain.FrequencyDaily, []domain.Bar{
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-03", Open: 999, High: 999, Low: 999, Close: 999, Volume: 1},
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-06", Open: 106, High: 108, Low: 105, Close: 107, Volume: 8000},
		{Symbol: "600036.SH", Name: "招商银行", Timestamp: "2025-06-06", Open: 33, High: 34, Low: 32, Close: 33.5, Volume: 40000},
	}))

	set, err := j.Load(domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	bar, err := set.Bar("600519.SH", "2025-06-03")
	require.NoError(t, err)
	assert.Equal(t, 999.0, bar.Open)

	max, err := set.MaxTimestampFor("600519.SH")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-06", max)
}

func TestJournalWireFormat(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.MergeBars(domain.FrequencyDaily, []domain.Bar{
		{Symbol: "600519.SH", Name: "贵州茅台", Timestamp: "2025-06-02", Open: 100, High: 105, Low: 99, Close: 104, Volume: 12000},
	}))

	data, err := os.ReadFile(j.Path(domain.FrequencyDaily))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	// One line per symbol in the merged format
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, line, `"Meta Data"`)
	assert.Contains(t, line, `"2. Symbol":"600519.SH"`)
	assert.Contains(t, line, `"2.1. Name":"贵州茅台"`)
	assert.Contains(t, line, `"3. Last Refreshed":"2025-06-02"`)
	assert.Contains(t, line, `"Time Series (Daily)"`)
	assert.Contains(t, line, `"1. buy price":"100.0000"`)
	assert.Contains(t, line, `"4. sell price":"104.0000"`)
	assert.Contains(t, line, `"5. volume":"12000"`)
}

func TestJournalReadsLegacyKeys(t *testing.T) {
	j := newTestJournal(t)

	legacy := `{"Meta Data":{"2. Symbol":"601318.SH","2.1. Name":"中国平安","3. Last Refreshed":"2025-06-02"},` +
		`"Time Series (Daily)":{"2025-06-02":{"1. open":"50.0","2. high":"52.0","3. low":"49.0","4. close":51.0,"5. volume":"30000"}}}` + "\n"
	require.NoError(t, os.WriteFile(j.Path(domain.FrequencyDaily), []byte(legacy), 0o644))

	set, err := j.Load(domain.FrequencyDaily)
	require.NoError(t, err)

	bar, err := set.Bar("601318.SH", "2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, 50.0, bar.Open)
	assert.Equal(t, 51.0, bar.Close) // numeric JSON value accepted
	assert.Equal(t, 30000.0, bar.Volume)
}

func TestJournalSkipsGarbageLines(t *testing.T) {
	j := newTestJournal(t)

	content := "not json at all\n" +
		`{"Meta Data":{"2. Symbol":"600519.SH"},"Time Series (Daily)":{"2025-06-02":{"1. buy price":"100"}}}` + "\n"
	require.NoError(t, os.WriteFile(j.Path(domain.FrequencyDaily), []byte(content), 0o644))

	set, err := j.Load(domain.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestJournalMissingFileIsEmpty(t *testing.T) {
	j := newTestJournal(t)

	set, err := j.Load(domain.FrequencyHourly)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())

	_, err = set.LatestTimestamp()
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJournalHourlySeriesKey(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.MergeBars(domain.FrequencyHourly, testingpkg.NewHourlyBarFixtures()))

	data, err := os.ReadFile(j.Path(domain.FrequencyHourly))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Time Series (60min)"`)

	set, err := j.Load(domain.FrequencyHourly)
	require.NoError(t, err)

	prices, err := set.OpenPrices("2025-06-02 11:30:00", nil)
	require.NoError(t, err)
	assert.Equal(t, 101.0, prices["600519.SH"])

	next, err := set.NextTimestamp("2025-06-02 11:30:00")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-02 14:00:00", next)
}

func TestSeriesSetNavigation(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.MergeBars(domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	set, err := j.Load(domain.FrequencyDaily)
	require.NoError(t, err)

	tss, err := set.Timestamps("2025-06-03", "2025-06-04")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-03", "2025-06-04"}, tss)

	prev, err := set.PrevTimestamp("2025-06-04")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-03", prev)

	// Timestamps between trading days still resolve to the prior day
	prev, err = set.PrevTimestamp("2025-06-03 12:00:00")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-03", prev)

	_, err = set.PrevTimestamp("2025-06-02")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.True(t, set.IsTradingTimestamp("2025-06-02"))
	assert.False(t, set.IsTradingTimestamp("2025-06-07"))

	assert.Equal(t, []string{"600519.SH", "601318.SH"}, set.Symbols())
	assert.Equal(t, []string{"600519.SH", "601318.SH"}, set.SymbolsAt("2025-06-05"))
}
