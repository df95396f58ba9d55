package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

const (
	tushareBaseURL = "https://api.tushare.pro"
	tushareSource  = "tushare" // vendor_cache source key

	// TTLConstituents keeps index membership for a day; the index is
	// rebalanced monthly, daily staleness is harmless.
	TTLConstituents = 24 * time.Hour

	// maxRecordsPerCall is the vendor's per-response row cap. Fetch
	// windows are sized so len(symbols) × days stays under it.
	maxRecordsPerCall = 6000
)

// TushareClient fetches historical A-share data from the Tushare Pro API.
// Every endpoint is a POST of {api_name, token, params, fields} returning
// a column-oriented table. Realtime quotes are not served here; see
// SinaQuotes.
type TushareClient struct {
	baseURL string
	token   string
	client  *http.Client
	cache   Cache // optional, nil disables caching
	log     zerolog.Logger
}

// NewTushareClient creates a Tushare Pro client.
// cache is optional - if nil, caching is disabled.
func NewTushareClient(token string, cache Cache, log zerolog.Logger) *TushareClient {
	return &TushareClient{
		baseURL: tushareBaseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		cache:   cache,
		log:     log.With().Str("client", "tushare").Logger(),
	}
}

// Name implements Vendor.
func (c *TushareClient) Name() string { return "tushare" }

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// tushareTable wraps a column-oriented response for field-name access.
type tushareTable struct {
	cols  map[string]int
	items [][]interface{}
}

func (t *tushareTable) str(row []interface{}, field string) string {
	i, ok := t.cols[field]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (t *tushareTable) f64(row []interface{}, field string) float64 {
	i, ok := t.cols[field]
	if !ok || i >= len(row) || row[i] == nil {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// call posts one API request and returns the response table.
func (c *TushareClient) call(ctx context.Context, apiName string, params map[string]string) (*tushareTable, error) {
	body, err := json.Marshal(tushareRequest{
		APIName: apiName,
		Token:   c.token,
		Params:  params,
		Fields:  "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", apiName, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", apiName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", apiName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s returned status 429", domain.ErrRateLimited, apiName)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", apiName, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", apiName, err)
	}

	var parsed tushareResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", apiName, err)
	}
	if parsed.Code != 0 {
		if IsRateLimited(fmt.Errorf("%s", parsed.Msg)) {
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrRateLimited, apiName, parsed.Msg)
		}
		return nil, fmt.Errorf("%s returned code %d: %s", apiName, parsed.Code, parsed.Msg)
	}

	cols := make(map[string]int, len(parsed.Data.Fields))
	for i, f := range parsed.Data.Fields {
		cols[f] = i
	}
	return &tushareTable{cols: cols, items: parsed.Data.Items}, nil
}

// IndexConstituents returns current index membership, cached for a day.
// Tushare publishes weights monthly, so the query window is last month.
func (c *TushareClient) IndexConstituents(ctx context.Context, indexCode string) ([]domain.IndexWeight, error) {
	indexCode = domain.NormalizeCode(indexCode)
	cacheKey := "index_weight:" + indexCode

	if c.cache != nil {
		if payload, fresh, err := c.cache.CacheGet(ctx, tushareSource, cacheKey); err == nil && fresh {
			var cached []domain.IndexWeight
			if err := json.Unmarshal([]byte(payload), &cached); err == nil {
				c.log.Debug().Str("index", indexCode).Int("count", len(cached)).Msg("Constituents cache hit")
				return cached, nil
			}
		}
	}

	start, end := lastMonthWindow(time.Now())
	table, err := c.call(ctx, "index_weight", map[string]string{
		"index_code": indexCode,
		"start_date": start,
		"end_date":   end,
	})
	if err != nil {
		return nil, err
	}
	if len(table.items) == 0 {
		return nil, fmt.Errorf("%w: no constituents for index %s", domain.ErrNotFound, indexCode)
	}

	// The window can span two publications; keep the latest trade date only.
	latest := ""
	for _, row := range table.items {
		if d := table.str(row, "trade_date"); d > latest {
			latest = d
		}
	}

	var weights []domain.IndexWeight
	for _, row := range table.items {
		if table.str(row, "trade_date") != latest {
			continue
		}
		weights = append(weights, domain.IndexWeight{
			IndexCode: indexCode,
			Symbol:    domain.NormalizeCode(table.str(row, "con_code")),
			Date:      isoDate(latest),
			Weight:    table.f64(row, "weight"),
		})
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].Weight > weights[j].Weight })

	if c.cache != nil {
		if payload, err := json.Marshal(weights); err == nil {
			if err := c.cache.CacheSet(ctx, tushareSource, cacheKey, string(payload), TTLConstituents); err != nil {
				c.log.Warn().Err(err).Str("index", indexCode).Msg("Failed to cache constituents")
			}
		}
	}

	c.log.Info().Str("index", indexCode).Int("count", len(weights)).Str("trade_date", latest).Msg("Fetched constituents")
	return weights, nil
}

// DailyBars returns daily bars for symbols with dates in [from, to].
// The window is split into batches so each response stays under the
// vendor's row cap.
func (c *TushareClient) DailyBars(ctx context.Context, symbols []string, from, to string) ([]domain.Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, domain.NormalizeCode(s))
	}
	codeStr := strings.Join(codes, ",")

	fromDt, err := time.Parse("2006-01-02", isoDate(from))
	if err != nil {
		return nil, fmt.Errorf("%w: bad from date %q", domain.ErrValidation, from)
	}
	toDt, err := time.Parse("2006-01-02", isoDate(to))
	if err != nil {
		return nil, fmt.Errorf("%w: bad to date %q", domain.ErrValidation, to)
	}

	batchDays := maxRecordsPerCall / len(codes)
	if batchDays < 1 {
		batchDays = 1
	}

	var bars []domain.Bar
	for cur := fromDt; !cur.After(toDt); cur = cur.AddDate(0, 0, batchDays) {
		batchEnd := cur.AddDate(0, 0, batchDays-1)
		if batchEnd.After(toDt) {
			batchEnd = toDt
		}

		table, err := c.call(ctx, "daily", map[string]string{
			"ts_code":    codeStr,
			"start_date": cur.Format("20060102"),
			"end_date":   batchEnd.Format("20060102"),
		})
		if err != nil {
			return nil, err
		}
		for _, row := range table.items {
			bars = append(bars, domain.Bar{
				Symbol:    domain.NormalizeCode(table.str(row, "ts_code")),
				Timestamp: isoDate(table.str(row, "trade_date")),
				Open:      table.f64(row, "open"),
				High:      table.f64(row, "high"),
				Low:       table.f64(row, "low"),
				Close:     table.f64(row, "close"),
				Volume:    table.f64(row, "vol"),
				Amount:    table.f64(row, "amount"),
			})
		}

		// Pace batches; the vendor enforces a per-minute call quota
		if batchEnd.Before(toDt) {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: daily fetch aborted: %v", domain.ErrCancelled, ctx.Err())
			}
		}
	}

	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Timestamp != bars[j].Timestamp {
			return bars[i].Timestamp < bars[j].Timestamp
		}
		return bars[i].Symbol < bars[j].Symbol
	})
	return bars, nil
}

// IndexDailyBars returns daily bars for the index itself.
func (c *TushareClient) IndexDailyBars(ctx context.Context, indexCode, from, to string) ([]domain.IndexBar, error) {
	indexCode = domain.NormalizeCode(indexCode)
	table, err := c.call(ctx, "index_daily", map[string]string{
		"ts_code":    indexCode,
		"start_date": vendorDate(from),
		"end_date":   vendorDate(to),
	})
	if err != nil {
		return nil, err
	}

	var bars []domain.IndexBar
	for _, row := range table.items {
		bars = append(bars, domain.IndexBar{
			IndexCode: indexCode,
			Date:      isoDate(table.str(row, "trade_date")),
			Open:      table.f64(row, "open"),
			High:      table.f64(row, "high"),
			Low:       table.f64(row, "low"),
			Close:     table.f64(row, "close"),
			Volume:    table.f64(row, "vol"),
			Amount:    table.f64(row, "amount"),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// RealtimeQuotes implements Vendor. Tushare serves history only; spot
// prices come from a QuoteProvider such as SinaQuotes.
func (c *TushareClient) RealtimeQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	return nil, fmt.Errorf("%w: tushare serves no realtime quotes", domain.ErrUnavailable)
}

// lastMonthWindow returns last calendar month as vendor dates. Index
// weights are published monthly; last month is always complete.
func lastMonthWindow(now time.Time) (string, string) {
	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lastOfLastMonth := firstOfThisMonth.AddDate(0, 0, -1)
	firstOfLastMonth := time.Date(lastOfLastMonth.Year(), lastOfLastMonth.Month(), 1, 0, 0, 0, 0, now.Location())
	return firstOfLastMonth.Format("20060102"), lastOfLastMonth.Format("20060102")
}
