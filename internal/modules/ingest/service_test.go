package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	testingpkg "github.com/renqi/tradewind/internal/testing"
)

// testNow is a Friday morning inside trading hours, one day past the
// newest bar fixture.
var testNow = time.Date(2025, 6, 6, 10, 40, 0, 0, time.UTC)

type fakeHeld struct {
	symbols []string
	err     error
}

func (f *fakeHeld) HeldSymbols(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.symbols...), nil
}

type ingestFixture struct {
	service   *Service
	vendor    *FakeVendor
	held      *fakeHeld
	market    *marketdata.Service
	snapshots *marketdata.SnapshotStore
}

func newTestIngest(t *testing.T) *ingestFixture {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanup)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()
	journal := marketdata.NewJournal(
		filepath.Join(dir, "merged.jsonl"),
		filepath.Join(dir, "merged_hourly.jsonl"),
		log,
	)
	market := marketdata.NewService(marketdata.NewRepository(db.Conn(), log), journal, false, log)
	snapshots := marketdata.NewSnapshotStore(filepath.Join(dir, "quotes.bin"), 0, log)

	vendor := &FakeVendor{
		Constituents: testingpkg.NewIndexWeightFixtures(),
		Bars:         testingpkg.NewBarFixtures(),
		IndexBars: []domain.IndexBar{
			{IndexCode: domain.DefaultIndexCode, Date: "2025-06-04", Open: 2700, High: 2712, Low: 2690, Close: 2705, Volume: 888},
			{IndexCode: domain.DefaultIndexCode, Date: "2025-06-05", Open: 2705, High: 2722, Low: 2700, Close: 2718, Volume: 999},
		},
		Quotes: map[string]domain.Quote{
			"600519.SH": {Symbol: "600519.SH", Name: "贵州茅台", Price: 107.5, Open: 106.0, High: 108.0, Low: 105.5, PrevClose: 106.0, Volume: 4200},
			"601318.SH": {Symbol: "601318.SH", Name: "中国平安", Price: 54.2, Open: 54.0, High: 54.6, Low: 53.8, PrevClose: 54.0, Volume: 9100},
		},
	}
	held := &fakeHeld{}

	svc := NewService(market, snapshots, held, vendor, nil, vendor, "", log)
	svc.policy = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, RateLimitDelay: time.Millisecond}
	svc.now = func() time.Time { return testNow }

	return &ingestFixture{service: svc, vendor: vendor, held: held, market: market, snapshots: snapshots}
}

func TestRunDailyBackfillsEmptyStore(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.FrequencyDaily, res.Frequency)
	assert.Equal(t, 3, res.Targets)
	assert.Equal(t, 8, res.Upserted)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Failed)

	// Empty store means one backfill call covering every target.
	require.Len(t, fx.vendor.BarCalls, 1)
	call := fx.vendor.BarCalls[0]
	assert.ElementsMatch(t, []string{"600036.SH", "600519.SH", "601318.SH"}, call.Symbols)
	assert.Equal(t, "2024-06-06", call.From)
	assert.Equal(t, "2025-06-06", call.To)

	// Constituents were persisted alongside the bars.
	weights, err := fx.market.IndexWeights(ctx, domain.DefaultIndexCode, "")
	require.NoError(t, err)
	assert.Len(t, weights, 3)

	// The index series rode along.
	idx, err := fx.market.IndexBars(ctx, domain.DefaultIndexCode, "", "")
	require.NoError(t, err)
	assert.Len(t, idx, 2)

	// The vendor had no bars for one constituent; validation reports it.
	assert.Equal(t, []string{"600036.SH"}, res.Missing)
}

func TestRunDailyIsIncremental(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	// Pin the clock to the newest fixture date so the store ends up
	// current after the first run.
	fx.service.now = func() time.Time { return time.Date(2025, 6, 5, 16, 0, 0, 0, time.UTC) }

	first, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 8, first.Upserted)

	second, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, second.Upserted, "a second run without new data writes nothing")
	assert.Equal(t, 2, second.Skipped, "symbols with current data are not refetched")

	// The skipped symbols never reached the vendor again; only the
	// constituent without data was retried as a backfill.
	require.Len(t, fx.vendor.BarCalls, 2)
	assert.ElementsMatch(t, []string{"600036.SH"}, fx.vendor.BarCalls[1].Symbols)
}

func TestRunDailyForceRefetchesTip(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	fx.service.now = func() time.Time { return time.Date(2025, 6, 5, 16, 0, 0, 0, time.UTC) }

	_, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)

	res, err := fx.service.RunDaily(ctx, Options{Force: true})
	require.NoError(t, err)

	assert.Zero(t, res.Skipped)
	assert.Equal(t, 2, res.Upserted, "force rewrites the tip bars")

	// Call two is the forced incremental window; call three retries the
	// constituent that still has no data.
	calls := fx.vendor.BarCalls
	require.Len(t, calls, 3)
	forced := calls[1]
	assert.ElementsMatch(t, []string{"600519.SH", "601318.SH"}, forced.Symbols)
	assert.Equal(t, "2025-06-05", forced.From)
}

func TestRunDailyIncludesHeldSymbols(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	// An agent still holds a symbol that left the index; the vendor has
	// bars for it even though it is not a constituent.
	fx.held.symbols = []string{"600000.SH"}
	fx.vendor.Bars = append(fx.vendor.Bars,
		domain.Bar{Symbol: "600000.SH", Name: "浦发银行", Timestamp: "2025-06-05", Open: 8.1, High: 8.3, Low: 8.0, Close: 8.2, Volume: 50000},
	)

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Targets)

	require.Len(t, fx.vendor.BarCalls, 1)
	assert.Contains(t, fx.vendor.BarCalls[0].Symbols, "600000.SH")

	tip, err := fx.market.MaxTimestampFor(ctx, domain.FrequencyDaily, "600000.SH")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-05", tip)
}

func TestRunDailyExplicitSymbols(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	fx.vendor.Bars = append(fx.vendor.Bars,
		domain.Bar{Symbol: "000001.SZ", Name: "平安银行", Timestamp: "2025-06-05", Open: 10.5, High: 10.7, Low: 10.4, Close: 10.6, Volume: 80000},
	)

	_, err := fx.service.RunDaily(ctx, Options{Symbols: []string{"000001"}})
	require.NoError(t, err)

	require.Len(t, fx.vendor.BarCalls, 1)
	assert.Contains(t, fx.vendor.BarCalls[0].Symbols, "000001.SZ")
}

func TestRunDailyVendorFailureIsNotFatal(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	fx.vendor.BarsErr = errors.New("vendor down")

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err, "bar fetch failures mark symbols, they do not abort the run")

	assert.ElementsMatch(t, []string{"600036.SH", "600519.SH", "601318.SH"}, res.Failed)
	assert.Zero(t, res.Upserted)
	assert.ElementsMatch(t, []string{"600036.SH", "600519.SH", "601318.SH"}, res.Missing)
}

func TestRunDailySecondaryVendorFallback(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	secondary := &FakeVendor{VendorName: "backup", Bars: testingpkg.NewBarFixtures()}
	fx.service.secondary = secondary
	fx.vendor.BarsErr = errors.New("primary down")

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)

	assert.Empty(t, res.Failed)
	assert.Equal(t, 8, res.Upserted)

	// The secondary was asked symbol by symbol.
	require.Len(t, secondary.BarCalls, 3)
	for _, call := range secondary.BarCalls {
		assert.Len(t, call.Symbols, 1)
	}
}

func TestRunDailyRetriesTransientFailures(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	fx.vendor.FailBarsTimes = 1

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Upserted)
	assert.Empty(t, res.Failed)
	require.Len(t, fx.vendor.BarCalls, 2, "one failure, one successful retry")
}

func TestRunDailyFixMissingReinvokesOnce(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	// 600036.SH is a constituent the vendor has no bars for; the fix pass
	// retries it exactly once and the gap survives.
	res, err := fx.service.RunDaily(ctx, Options{FixMissing: true})
	require.NoError(t, err)

	require.Len(t, fx.vendor.BarCalls, 2)
	assert.ElementsMatch(t, []string{"600036.SH"}, fx.vendor.BarCalls[1].Symbols)
	assert.Equal(t, []string{"600036.SH"}, res.Missing)
}

func TestRunDailyValidateOnly(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	res, err := fx.service.RunDaily(ctx, Options{ValidateOnly: true})
	require.NoError(t, err)

	assert.Zero(t, fx.vendor.ConstituentCalls)
	assert.Empty(t, fx.vendor.BarCalls)
	assert.Zero(t, res.Upserted)
}

func TestRunDailyConstituentsFallBackToStore(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	require.NoError(t, fx.market.StoreIndexWeights(ctx, testingpkg.NewIndexWeightFixtures()))
	fx.vendor.ConstituentsErr = errors.New("vendor down")

	res, err := fx.service.RunDaily(ctx, Options{})
	require.NoError(t, err, "stored constituents stand in when the vendor is down")
	assert.Equal(t, 3, res.Targets)
}

func TestRunDailyFailsWithoutAnyConstituents(t *testing.T) {
	fx := newTestIngest(t)
	fx.vendor.ConstituentsErr = errors.New("vendor down")

	_, err := fx.service.RunDaily(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve index constituents")
}

func TestRunDailyFailsWhenHeldSymbolsUnreadable(t *testing.T) {
	fx := newTestIngest(t)
	fx.held.err = errors.New("ledger down")

	_, err := fx.service.RunDaily(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read held symbols")
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	fx := newTestIngest(t)

	fx.service.mu.Lock()
	fx.service.running = true
	fx.service.mu.Unlock()

	_, err := fx.service.RunDaily(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = fx.service.RunHourly(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = fx.service.RefreshRealtime(context.Background(), domain.FrequencyDaily, testNow)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	st := fx.service.Status()
	assert.True(t, st.Running)
}

func TestStatusReportsLastRun(t *testing.T) {
	fx := newTestIngest(t)

	st := fx.service.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastRun)

	_, err := fx.service.RunDaily(context.Background(), Options{})
	require.NoError(t, err)

	st = fx.service.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, domain.FrequencyDaily, st.LastRun.Frequency)
	assert.Equal(t, 8, st.LastRun.Upserted)
	assert.False(t, st.LastRun.Finished.IsZero())
}

func TestStatusRecordsFailedRuns(t *testing.T) {
	fx := newTestIngest(t)
	fx.vendor.ConstituentsErr = errors.New("vendor down")

	_, err := fx.service.RunDaily(context.Background(), Options{})
	require.Error(t, err)

	st := fx.service.Status()
	require.NotNil(t, st.LastRun)
	assert.Contains(t, st.LastRun.Error, "failed to resolve index constituents")
}

func TestRefreshRealtimeHourly(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	// The hourly store is empty, so the refresh universe falls back to
	// the daily symbols.
	require.NoError(t, fx.market.StoreBars(ctx, domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	res, err := fx.service.RefreshRealtime(ctx, domain.FrequencyHourly, testNow)
	require.NoError(t, err)

	assert.Equal(t, "2025-06-06 10:30:00", res.TimeKey)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Upserted)

	bar, err := fx.market.Bar(ctx, domain.FrequencyHourly, "600519.SH", "2025-06-06 10:30:00")
	require.NoError(t, err)
	assert.Equal(t, 107.5, bar.Close, "close carries the live price")
	assert.Equal(t, 106.0, bar.Open)
	assert.Equal(t, "贵州茅台", bar.Name)

	// The quote snapshot is available for live valuation.
	q, err := fx.snapshots.Quote("601318.SH")
	require.NoError(t, err)
	assert.Equal(t, 54.2, q.Price)
}

func TestRefreshRealtimeIsIdempotentPerSlot(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	require.NoError(t, fx.market.StoreBars(ctx, domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	first, err := fx.service.RefreshRealtime(ctx, domain.FrequencyHourly, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Upserted)

	second, err := fx.service.RefreshRealtime(ctx, domain.FrequencyHourly, testNow)
	require.NoError(t, err)
	assert.Zero(t, second.Upserted)
	assert.NotZero(t, second.Skipped)
	require.Len(t, fx.vendor.QuoteCalls, 1, "the second refresh never reached the quote source")
}

func TestRefreshRealtimeDaily(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	require.NoError(t, fx.market.StoreBars(ctx, domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	res, err := fx.service.RefreshRealtime(ctx, domain.FrequencyDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-06", res.TimeKey)

	bar, err := fx.market.Bar(ctx, domain.FrequencyDaily, "601318.SH", "2025-06-06")
	require.NoError(t, err)
	assert.Equal(t, 54.0, bar.Open)
	assert.Equal(t, 54.2, bar.Close)
}

func TestRefreshRealtimeSkipsUntradedQuotes(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()
	require.NoError(t, fx.market.StoreBars(ctx, domain.FrequencyDaily, testingpkg.NewBarFixtures()))

	// Suspended symbols quote a zero price.
	fx.vendor.Quotes["600519.SH"] = domain.Quote{Symbol: "600519.SH", Name: "贵州茅台", Price: 0}

	res, err := fx.service.RefreshRealtime(ctx, domain.FrequencyHourly, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)

	_, err = fx.market.Bar(ctx, domain.FrequencyHourly, "600519.SH", "2025-06-06 10:30:00")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshRealtimeEmptyStore(t *testing.T) {
	fx := newTestIngest(t)

	_, err := fx.service.RefreshRealtime(context.Background(), domain.FrequencyHourly, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunHourlySnapshotsTradingHour(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	res, err := fx.service.RunHourly(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.FrequencyHourly, res.Frequency)
	assert.Equal(t, "2025-06-06 10:30:00", res.TimeKey)
	assert.Equal(t, 3, res.Targets)
	assert.Equal(t, 2, res.Upserted)

	// The constituent without a live quote is reported missing.
	assert.Equal(t, []string{"600036.SH"}, res.Missing)

	ok, err := fx.market.IsTradingTimestamp(ctx, domain.FrequencyHourly, "2025-06-06 10:30:00")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunHourlyFixMissingIsBestEffort(t *testing.T) {
	fx := newTestIngest(t)
	ctx := context.Background()

	res, err := fx.service.RunHourly(ctx, Options{FixMissing: true})
	require.NoError(t, err, "a symbol with no live quote stays missing without failing the run")

	assert.Equal(t, []string{"600036.SH"}, res.Missing)
	require.Len(t, fx.vendor.QuoteCalls, 2)
	assert.Equal(t, []string{"600036.SH"}, fx.vendor.QuoteCalls[1])
}

func TestTimeKeyFor(t *testing.T) {
	day := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2025-06-06", timeKeyFor(domain.FrequencyDaily, day.Add(10*time.Hour+35*time.Minute)))

	for hour, want := range map[int]string{
		10: "2025-06-06 10:30:00",
		11: "2025-06-06 11:30:00",
		14: "2025-06-06 14:00:00",
		15: "2025-06-06 15:00:00",
	} {
		got := timeKeyFor(domain.FrequencyHourly, day.Add(time.Duration(hour)*time.Hour+5*time.Minute))
		assert.Equal(t, want, got, "hour %d", hour)
	}

	// Off-schedule hours fall back to the top of the hour.
	assert.Equal(t, "2025-06-06 13:00:00", timeKeyFor(domain.FrequencyHourly, day.Add(13*time.Hour+20*time.Minute)))
}
