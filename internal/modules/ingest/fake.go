package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/renqi/tradewind/internal/domain"
)

// FakeVendor is an in-memory Vendor for tests. Responses are served from
// its fields; errors can be injected per method. Call slices record every
// invocation so tests can assert fetch windows and symbol sets.
type FakeVendor struct {
	mu sync.Mutex

	VendorName   string
	Constituents []domain.IndexWeight
	Bars         []domain.Bar
	IndexBars    []domain.IndexBar
	Quotes       map[string]domain.Quote

	ConstituentsErr error
	BarsErr         error
	IndexBarsErr    error
	QuotesErr       error

	// FailBarsTimes makes the next N DailyBars calls fail, then succeed.
	// Used to exercise retries. BarsErr, when set, fails every call.
	FailBarsTimes int

	ConstituentCalls int
	BarCalls         []BarCall
	IndexBarCalls    int
	QuoteCalls       [][]string
}

// BarCall records one DailyBars invocation.
type BarCall struct {
	Symbols []string
	From    string
	To      string
}

// Name implements Vendor.
func (f *FakeVendor) Name() string {
	if f.VendorName == "" {
		return "fake"
	}
	return f.VendorName
}

// IndexConstituents implements Vendor.
func (f *FakeVendor) IndexConstituents(ctx context.Context, indexCode string) ([]domain.IndexWeight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConstituentCalls++
	if f.ConstituentsErr != nil {
		return nil, f.ConstituentsErr
	}
	return append([]domain.IndexWeight(nil), f.Constituents...), nil
}

// DailyBars implements Vendor. Only bars for the requested symbols within
// [from, to] are returned.
func (f *FakeVendor) DailyBars(ctx context.Context, symbols []string, from, to string) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BarCalls = append(f.BarCalls, BarCall{Symbols: append([]string(nil), symbols...), From: from, To: to})
	if f.FailBarsTimes > 0 {
		f.FailBarsTimes--
		return nil, errors.New("fake vendor: transient bars failure")
	}
	if f.BarsErr != nil {
		return nil, f.BarsErr
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[domain.NormalizeCode(s)] = true
	}
	var out []domain.Bar
	for _, b := range f.Bars {
		if !want[b.Symbol] {
			continue
		}
		if from != "" && b.Timestamp < from {
			continue
		}
		if to != "" && b.Timestamp > to {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// IndexDailyBars implements Vendor.
func (f *FakeVendor) IndexDailyBars(ctx context.Context, indexCode, from, to string) ([]domain.IndexBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IndexBarCalls++
	if f.IndexBarsErr != nil {
		return nil, f.IndexBarsErr
	}
	var out []domain.IndexBar
	for _, b := range f.IndexBars {
		if from != "" && b.Date < from {
			continue
		}
		if to != "" && b.Date > to {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// RealtimeQuotes implements Vendor and QuoteProvider.
func (f *FakeVendor) RealtimeQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteCalls = append(f.QuoteCalls, append([]string(nil), symbols...))
	if f.QuotesErr != nil {
		return nil, f.QuotesErr
	}
	out := make(map[string]domain.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := f.Quotes[domain.NormalizeCode(s)]; ok {
			out[domain.NormalizeCode(s)] = q
		}
	}
	return out, nil
}
