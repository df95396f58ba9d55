// Package ingest refreshes market data from vendor APIs.
//
// A daily run fetches index constituents and OHLCV history for the union of
// constituent and held symbols, then dual-writes bars through the market
// data facade. Hourly data accrues from realtime quotes snapped to exchange
// trading hours. Vendor calls are retried with exponential backoff; a symbol
// that fails on every vendor is skipped, never fatal.
package ingest

import (
	"context"
	"time"

	"github.com/renqi/tradewind/internal/domain"
)

// Vendor is a market data source for historical bars and index metadata.
type Vendor interface {
	// Name identifies the vendor in logs and reports.
	Name() string
	// IndexConstituents returns the current membership of an index.
	IndexConstituents(ctx context.Context, indexCode string) ([]domain.IndexWeight, error)
	// DailyBars returns daily OHLCV bars for symbols with dates in [from, to].
	DailyBars(ctx context.Context, symbols []string, from, to string) ([]domain.Bar, error)
	// IndexDailyBars returns daily OHLCV bars for the index itself.
	IndexDailyBars(ctx context.Context, indexCode, from, to string) ([]domain.IndexBar, error)

	QuoteProvider
}

// QuoteProvider serves realtime quotes. Split from Vendor because the
// historical vendor and the spot-price source are different services.
type QuoteProvider interface {
	RealtimeQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error)
}

// Cache persists vendor responses with a TTL. Satisfied by the market data
// repository's vendor_cache table.
type Cache interface {
	CacheGet(ctx context.Context, source, key string) (string, bool, error)
	CacheSet(ctx context.Context, source, key, payload string, ttl time.Duration) error
}

// vendorDate converts a system timestamp (YYYY-MM-DD) to vendor form
// (YYYYMMDD). Dates already in vendor form pass through.
func vendorDate(iso string) string {
	if len(iso) >= 10 && iso[4] == '-' && iso[7] == '-' {
		return iso[0:4] + iso[5:7] + iso[8:10]
	}
	return iso
}

// isoDate converts a vendor date (YYYYMMDD) to system form (YYYY-MM-DD).
func isoDate(vendor string) string {
	if len(vendor) == 8 {
		return vendor[0:4] + "-" + vendor[4:6] + "-" + vendor[6:8]
	}
	return vendor
}
