package marketdata

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// Journal reads and writes the merged JSONL market files. One line per
// symbol, each line a self-contained document:
//
//	{"Meta Data": {"2. Symbol": ..., "2.1. Name": ..., "3. Last Refreshed": ...},
//	 "Time Series (Daily)": {"2025-06-02": {"1. buy price": "...", ...}, ...}}
//
// Older files use "1. open"/"4. close" for the price keys; reads accept
// both spellings, writes always use the buy/sell naming.
type Journal struct {
	dailyPath  string
	hourlyPath string
	log        zerolog.Logger

	mu sync.Mutex // serializes merge rewrites
}

// NewJournal creates a journal over the two merged files.
func NewJournal(dailyPath, hourlyPath string, log zerolog.Logger) *Journal {
	return &Journal{
		dailyPath:  dailyPath,
		hourlyPath: hourlyPath,
		log:        log.With().Str("component", "market_journal").Logger(),
	}
}

// Path returns the journal file path for a frequency.
func (j *Journal) Path(freq domain.Frequency) string {
	if freq == domain.FrequencyHourly {
		return j.hourlyPath
	}
	return j.dailyPath
}

// SymbolSeries is one symbol's slice of the journal.
type SymbolSeries struct {
	Symbol        string
	Name          string
	LastRefreshed string
	Bars          map[string]domain.Bar // keyed by timestamp
}

// SeriesSet is a fully loaded journal for one frequency. It mirrors the
// repository's read surface so the service can fall back transparently.
type SeriesSet struct {
	freq     domain.Frequency
	bySymbol map[string]*SymbolSeries
	tsIndex  []string // all distinct timestamps, sorted ascending
}

// Load parses the journal file for a frequency into memory.
// A missing file yields an empty set, not an error.
func (j *Journal) Load(freq domain.Frequency) (*SeriesSet, error) {
	set := &SeriesSet{freq: freq, bySymbol: make(map[string]*SymbolSeries)}

	f, err := os.Open(j.Path(freq))
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open market journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// One symbol's full history sits on a single line
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		series, err := parseJournalLine(line, freq)
		if err != nil {
			j.log.Warn().Err(err).Int("line", lineNo).Msg("Skipping unparseable journal line")
			continue
		}
		if series == nil {
			continue
		}
		set.bySymbol[series.Symbol] = series
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read market journal: %w", err)
	}

	set.rebuildIndex()
	return set, nil
}

// MergeBars folds new bars into the journal file and rewrites it
// atomically. Existing bars at the same timestamp are replaced.
func (j *Journal) MergeBars(freq domain.Frequency, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	set, err := j.Load(freq)
	if err != nil {
		return err
	}

	for _, b := range bars {
		series, ok := set.bySymbol[b.Symbol]
		if !ok {
			series = &SymbolSeries{Symbol: b.Symbol, Bars: make(map[string]domain.Bar)}
			set.bySymbol[b.Symbol] = series
		}
		if b.Name != "" {
			series.Name = b.Name
		}
		series.Bars[b.Timestamp] = b
		if b.Timestamp > series.LastRefreshed {
			series.LastRefreshed = b.Timestamp
		}
	}

	return j.write(freq, set)
}

// write rewrites the whole journal file through a temp file and rename.
func (j *Journal) write(freq domain.Frequency, set *SeriesSet) error {
	path := j.Path(freq)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".merged-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp journal: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op after successful rename
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)

	symbols := make([]string, 0, len(set.bySymbol))
	for s := range set.bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		doc := encodeJournalDoc(set.bySymbol[sym], freq)
		if err := enc.Encode(doc); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode journal line for %s: %w", sym, err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

const (
	metaSymbolKey    = "2. Symbol"
	metaNameKey      = "2.1. Name"
	metaRefreshedKey = "3. Last Refreshed"
)

func parseJournalLine(line []byte, freq domain.Frequency) (*SymbolSeries, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var meta map[string]string
	if m, ok := raw["Meta Data"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("invalid Meta Data: %w", err)
		}
	}
	symbol := meta[metaSymbolKey]
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol in Meta Data")
	}

	seriesRaw, ok := raw[freq.SeriesKey()]
	if !ok {
		// Line belongs to the other granularity, skip silently
		return nil, nil
	}

	var entries map[string]map[string]interface{}
	if err := json.Unmarshal(seriesRaw, &entries); err != nil {
		return nil, fmt.Errorf("invalid time series: %w", err)
	}

	series := &SymbolSeries{
		Symbol:        symbol,
		Name:          meta[metaNameKey],
		LastRefreshed: meta[metaRefreshedKey],
		Bars:          make(map[string]domain.Bar, len(entries)),
	}

	for ts, fields := range entries {
		bar := domain.Bar{Symbol: symbol, Name: series.Name, Timestamp: ts}
		bar.Open = journalField(fields, "1. buy price", "1. open")
		bar.High = journalField(fields, "2. high")
		bar.Low = journalField(fields, "3. low")
		bar.Close = journalField(fields, "4. sell price", "4. close")
		bar.Volume = journalField(fields, "5. volume")
		series.Bars[ts] = bar
		if ts > series.LastRefreshed {
			series.LastRefreshed = ts
		}
	}

	return series, nil
}

// journalField extracts the first present key, accepting both string and
// numeric JSON values.
func journalField(fields map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func encodeJournalDoc(series *SymbolSeries, freq domain.Frequency) map[string]interface{} {
	entries := make(map[string]map[string]string, len(series.Bars))
	for ts, b := range series.Bars {
		entries[ts] = map[string]string{
			"1. buy price":  strconv.FormatFloat(b.Open, 'f', 4, 64),
			"2. high":       strconv.FormatFloat(b.High, 'f', 4, 64),
			"3. low":        strconv.FormatFloat(b.Low, 'f', 4, 64),
			"4. sell price": strconv.FormatFloat(b.Close, 'f', 4, 64),
			"5. volume":     strconv.FormatFloat(b.Volume, 'f', -1, 64),
		}
	}

	return map[string]interface{}{
		"Meta Data": map[string]string{
			metaSymbolKey:    series.Symbol,
			metaNameKey:      series.Name,
			metaRefreshedKey: series.LastRefreshed,
		},
		freq.SeriesKey(): entries,
	}
}

func (s *SeriesSet) rebuildIndex() {
	seen := make(map[string]struct{})
	for _, series := range s.bySymbol {
		for ts := range series.Bars {
			seen[ts] = struct{}{}
		}
	}
	s.tsIndex = make([]string, 0, len(seen))
	for ts := range seen {
		s.tsIndex = append(s.tsIndex, ts)
	}
	sort.Strings(s.tsIndex)
}

// Len returns the number of symbols in the set.
func (s *SeriesSet) Len() int { return len(s.bySymbol) }

// Bar returns the bar for a symbol at an exact timestamp.
func (s *SeriesSet) Bar(symbol, ts string) (*domain.Bar, error) {
	series, ok := s.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no journal series for %s", domain.ErrNotFound, symbol)
	}
	b, ok := series.Bars[ts]
	if !ok {
		return nil, fmt.Errorf("%w: no journal bar for %s at %s", domain.ErrNotFound, symbol, ts)
	}
	return &b, nil
}

// BarsRange returns one symbol's bars with timestamps in [from, to],
// oldest first. A positive limit keeps the newest bars.
func (s *SeriesSet) BarsRange(symbol, from, to string, limit int) ([]domain.Bar, error) {
	series, ok := s.bySymbol[symbol]
	if !ok {
		return nil, nil
	}

	tss := make([]string, 0, len(series.Bars))
	for ts := range series.Bars {
		if from != "" && ts < from {
			continue
		}
		if to != "" && ts > to {
			continue
		}
		tss = append(tss, ts)
	}
	sort.Strings(tss)
	if limit > 0 && len(tss) > limit {
		tss = tss[len(tss)-limit:]
	}

	bars := make([]domain.Bar, 0, len(tss))
	for _, ts := range tss {
		bars = append(bars, series.Bars[ts])
	}
	return bars, nil
}

// OpenPrices returns symbol -> open price at ts. Empty symbols means all.
func (s *SeriesSet) OpenPrices(ts string, symbols []string) (map[string]float64, error) {
	return s.pricesAt(ts, symbols, func(b domain.Bar) float64 { return b.Open })
}

// ClosePrices returns symbol -> close price at ts. Empty symbols means all.
func (s *SeriesSet) ClosePrices(ts string, symbols []string) (map[string]float64, error) {
	return s.pricesAt(ts, symbols, func(b domain.Bar) float64 { return b.Close })
}

func (s *SeriesSet) pricesAt(ts string, symbols []string, pick func(domain.Bar) float64) (map[string]float64, error) {
	prices := make(map[string]float64)
	if len(symbols) == 0 {
		for sym, series := range s.bySymbol {
			if b, ok := series.Bars[ts]; ok {
				prices[sym] = pick(b)
			}
		}
		return prices, nil
	}
	for _, sym := range symbols {
		if series, ok := s.bySymbol[sym]; ok {
			if b, ok := series.Bars[ts]; ok {
				prices[sym] = pick(b)
			}
		}
	}
	return prices, nil
}

// Timestamps returns distinct timestamps in [from, to], oldest first.
func (s *SeriesSet) Timestamps(from, to string) ([]string, error) {
	var out []string
	for _, ts := range s.tsIndex {
		if from != "" && ts < from {
			continue
		}
		if to != "" && ts > to {
			break
		}
		out = append(out, ts)
	}
	return out, nil
}

// PrevTimestamp returns the latest timestamp strictly before ts.
func (s *SeriesSet) PrevTimestamp(ts string) (string, error) {
	i := sort.SearchStrings(s.tsIndex, ts)
	if i == 0 {
		return "", fmt.Errorf("%w: no trading timestamp before %s", domain.ErrNotFound, ts)
	}
	return s.tsIndex[i-1], nil
}

// NextTimestamp returns the earliest timestamp strictly after ts.
func (s *SeriesSet) NextTimestamp(ts string) (string, error) {
	i := sort.SearchStrings(s.tsIndex, ts)
	for i < len(s.tsIndex) && s.tsIndex[i] <= ts {
		i++
	}
	if i >= len(s.tsIndex) {
		return "", fmt.Errorf("%w: no trading timestamp after %s", domain.ErrNotFound, ts)
	}
	return s.tsIndex[i], nil
}

// LatestTimestamp returns the newest timestamp in the set.
func (s *SeriesSet) LatestTimestamp() (string, error) {
	if len(s.tsIndex) == 0 {
		return "", fmt.Errorf("%w: journal is empty", domain.ErrNotFound)
	}
	return s.tsIndex[len(s.tsIndex)-1], nil
}

// EarliestTimestamp returns the oldest timestamp in the set.
func (s *SeriesSet) EarliestTimestamp() (string, error) {
	if len(s.tsIndex) == 0 {
		return "", fmt.Errorf("%w: journal is empty", domain.ErrNotFound)
	}
	return s.tsIndex[0], nil
}

// IsTradingTimestamp reports whether any symbol has a bar at ts.
func (s *SeriesSet) IsTradingTimestamp(ts string) bool {
	i := sort.SearchStrings(s.tsIndex, ts)
	return i < len(s.tsIndex) && s.tsIndex[i] == ts
}

// MaxTimestampFor returns the newest timestamp stored for one symbol.
func (s *SeriesSet) MaxTimestampFor(symbol string) (string, error) {
	series, ok := s.bySymbol[symbol]
	if !ok || len(series.Bars) == 0 {
		return "", fmt.Errorf("%w: no journal bars for %s", domain.ErrNotFound, symbol)
	}
	max := ""
	for ts := range series.Bars {
		if ts > max {
			max = ts
		}
	}
	return max, nil
}

// Symbols returns all symbols in the set, sorted.
func (s *SeriesSet) Symbols() []string {
	out := make([]string, 0, len(s.bySymbol))
	for sym := range s.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SymbolsAt returns the symbols with a bar at ts, sorted.
func (s *SeriesSet) SymbolsAt(ts string) []string {
	var out []string
	for sym, series := range s.bySymbol {
		if _, ok := series.Bars[ts]; ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
