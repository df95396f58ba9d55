package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/marketdata"
)

// ErrAlreadyRunning is returned when a run is requested while another one
// holds the service. Runs are serialized to keep vendor quota use and
// store writes predictable.
var ErrAlreadyRunning = errors.New("an ingest run is already in progress")

// defaultBackfillDays bounds the first fetch when the store is empty. One
// year of daily bars covers indicator warmup and a season of backtests
// without burning the vendor quota on deep history.
const defaultBackfillDays = 365

// HeldSymbolSource reports every symbol currently held by any agent.
// The position ledger satisfies it.
type HeldSymbolSource interface {
	HeldSymbols(ctx context.Context) ([]string, error)
}

// Options tune a single ingest run.
type Options struct {
	// Force refetches the window tip even when the store is up to date.
	Force bool `json:"force"`
	// FixMissing re-runs the fetch once over the validator's missing set.
	FixMissing bool `json:"fix_missing"`
	// ValidateOnly skips fetching and only reports store health.
	ValidateOnly bool `json:"validate_only"`
	// Symbols are fetched in addition to constituents and held symbols.
	Symbols []string `json:"symbols,omitempty"`
}

// Result summarizes one ingest run.
type Result struct {
	Frequency domain.Frequency `json:"frequency"`
	TimeKey   string           `json:"time_key,omitempty"`
	Targets   int              `json:"targets"`
	Fetched   int              `json:"fetched"`
	Upserted  int              `json:"upserted"`
	Skipped   int              `json:"skipped"`
	Failed    []string         `json:"failed,omitempty"`
	Missing   []string         `json:"missing,omitempty"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished"`
	Error     string           `json:"error,omitempty"`
}

// Status reports whether a run is in flight and the outcome of the last one.
type Status struct {
	Running bool    `json:"running"`
	LastRun *Result `json:"last_run,omitempty"`
}

// Service coordinates vendor fetches, store writes, and validation.
//
// Daily runs pull history from the vendor over an incremental window per
// symbol. Hourly runs and realtime refreshes snapshot spot quotes into the
// bar for the current time key. At most one run executes at a time.
type Service struct {
	market    *marketdata.Service
	snapshots *marketdata.SnapshotStore
	held      HeldSymbolSource
	vendor    Vendor
	secondary Vendor
	quotes    QuoteProvider
	validator *Validator
	policy    RetryPolicy
	indexCode string
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *Result
}

// NewService creates an ingest service. secondary and snapshots may be nil;
// quotes may be nil when realtime refresh is never used. An empty indexCode
// selects the default index.
func NewService(market *marketdata.Service, snapshots *marketdata.SnapshotStore, held HeldSymbolSource, vendor Vendor, secondary Vendor, quotes QuoteProvider, indexCode string, log zerolog.Logger) *Service {
	if indexCode == "" {
		indexCode = domain.DefaultIndexCode
	}
	lg := log.With().Str("component", "ingest").Logger()
	return &Service{
		market:    market,
		snapshots: snapshots,
		held:      held,
		vendor:    vendor,
		secondary: secondary,
		quotes:    quotes,
		validator: NewValidator(market, held, indexCode, log),
		policy:    DefaultRetryPolicy(),
		indexCode: indexCode,
		now:       time.Now,
		log:       lg,
	}
}

// Status reports the service state. The last result is copied so callers
// cannot race a concurrent run.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running}
	if s.last != nil {
		last := *s.last
		st.LastRun = &last
	}
	return st
}

// Validate reports store health without fetching anything.
func (s *Service) Validate(ctx context.Context, freq domain.Frequency) (*Report, error) {
	return s.validator.Report(ctx, freq, s.now())
}

func (s *Service) begin(freq domain.Frequency) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrAlreadyRunning
	}
	s.running = true
	return &Result{Frequency: freq, Started: time.Now()}, nil
}

func (s *Service) finish(res *Result, err error) {
	res.Finished = time.Now()
	if err != nil {
		res.Error = err.Error()
	}

	s.mu.Lock()
	s.running = false
	s.last = res
	s.mu.Unlock()
}

// RunDaily refreshes daily bars for the union of index constituents, held
// symbols, and explicitly requested extras.
func (s *Service) RunDaily(ctx context.Context, opts Options) (*Result, error) {
	res, err := s.begin(domain.FrequencyDaily)
	if err != nil {
		return nil, err
	}

	runErr := s.runDaily(ctx, res, opts)
	s.finish(res, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return res, nil
}

func (s *Service) runDaily(ctx context.Context, res *Result, opts Options) error {
	now := s.now()
	if opts.ValidateOnly {
		report, err := s.validator.Report(ctx, domain.FrequencyDaily, now)
		if err != nil {
			return err
		}
		res.Missing = report.Missing
		return nil
	}

	targets, weights, err := s.targets(ctx, opts.Symbols)
	if err != nil {
		return err
	}
	res.Targets = len(targets)

	if len(weights) > 0 {
		if err := s.market.StoreIndexWeights(ctx, weights); err != nil {
			s.log.Error().Err(err).Msg("Failed to store index weights")
		}
	}

	today := domain.FrequencyDaily.FormatTimestamp(now)
	if err := s.fetchDaily(ctx, res, targets, today, opts.Force); err != nil {
		return err
	}

	// The benchmark series rides along with every daily run. Losing it is
	// not worth failing a run that already stored the bars.
	if err := s.refreshIndexBars(ctx, today); err != nil {
		s.log.Error().Err(err).Str("index", s.indexCode).Msg("Failed to refresh index bars")
	}

	report, err := s.validator.Report(ctx, domain.FrequencyDaily, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Post-run validation failed")
		return nil
	}
	res.Missing = report.Missing

	if opts.FixMissing && len(report.Missing) > 0 {
		s.log.Info().Strs("symbols", report.Missing).Msg("Re-fetching missing symbols")
		if err := s.fetchDaily(ctx, res, report.Missing, today, true); err != nil {
			return err
		}
		if report, err = s.validator.Report(ctx, domain.FrequencyDaily, now); err == nil {
			res.Missing = report.Missing
		}
	}
	return nil
}

// RunHourly refreshes the hourly series. Vendors serve no hourly history,
// so the run snapshots realtime quotes at the current trading hour for the
// same symbol union a daily run targets, then validates the hourly store.
func (s *Service) RunHourly(ctx context.Context, opts Options) (*Result, error) {
	res, err := s.begin(domain.FrequencyHourly)
	if err != nil {
		return nil, err
	}

	runErr := s.runHourly(ctx, res, opts)
	s.finish(res, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return res, nil
}

func (s *Service) runHourly(ctx context.Context, res *Result, opts Options) error {
	now := s.now()
	if opts.ValidateOnly {
		report, err := s.validator.Report(ctx, domain.FrequencyHourly, now)
		if err != nil {
			return err
		}
		res.Missing = report.Missing
		return nil
	}

	targets, weights, err := s.targets(ctx, opts.Symbols)
	if err != nil {
		return err
	}
	res.Targets = len(targets)

	if len(weights) > 0 {
		if err := s.market.StoreIndexWeights(ctx, weights); err != nil {
			s.log.Error().Err(err).Msg("Failed to store index weights")
		}
	}

	if err := s.refresh(ctx, res, domain.FrequencyHourly, now, targets, opts.Force); err != nil {
		return err
	}

	report, err := s.validator.Report(ctx, domain.FrequencyHourly, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Post-run validation failed")
		return nil
	}
	res.Missing = report.Missing

	if opts.FixMissing && len(report.Missing) > 0 {
		s.log.Info().Strs("symbols", report.Missing).Msg("Re-fetching missing symbols")
		// Best effort: symbols without a live quote are usually suspended
		// and stay missing until they trade again.
		if err := s.refresh(ctx, res, domain.FrequencyHourly, now, report.Missing, true); err != nil {
			s.log.Warn().Err(err).Msg("Missing-symbol refresh failed")
			return nil
		}
		if report, err = s.validator.Report(ctx, domain.FrequencyHourly, now); err == nil {
			res.Missing = report.Missing
		}
	}
	return nil
}

// RefreshRealtime fetches spot quotes and writes them as the bar for the
// current time key. Daily runs stamp today's date; hourly runs snap the
// wall-clock hour to its trading time. A time key whose bar already exists
// is skipped, so repeated calls within one slot write nothing new.
func (s *Service) RefreshRealtime(ctx context.Context, freq domain.Frequency, now time.Time) (*Result, error) {
	if err := freq.Validate(); err != nil {
		return nil, err
	}

	res, err := s.begin(freq)
	if err != nil {
		return nil, err
	}

	symbols, runErr := s.refreshUniverse(ctx, freq)
	if runErr == nil {
		res.Targets = len(symbols)
		runErr = s.refresh(ctx, res, freq, now, symbols, false)
	}
	s.finish(res, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return res, nil
}

// targets returns the fetch universe: index constituents, symbols any agent
// holds, and explicitly requested extras. Constituents come from the vendor;
// when the vendor is down the latest stored snapshot stands in. Held symbols
// stay in the universe even after they drop out of the index.
func (s *Service) targets(ctx context.Context, extra []string) ([]string, []domain.IndexWeight, error) {
	var weights []domain.IndexWeight
	err := Retry(ctx, s.log, "index constituents", s.policy, func() error {
		var ferr error
		weights, ferr = s.vendor.IndexConstituents(ctx, s.indexCode)
		return ferr
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, nil, err
		}
		s.log.Warn().Err(err).Str("index", s.indexCode).Msg("Vendor constituents unavailable, using stored snapshot")
		stored, serr := s.market.IndexWeights(ctx, s.indexCode, "")
		if serr != nil {
			return nil, nil, fmt.Errorf("failed to resolve index constituents: %w", err)
		}
		weights = stored
	}

	set := make(map[string]struct{}, len(weights))
	for _, w := range weights {
		set[domain.NormalizeCode(w.Symbol)] = struct{}{}
	}

	held, err := s.held.HeldSymbols(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read held symbols: %w", err)
	}
	for _, sym := range held {
		set[domain.NormalizeCode(sym)] = struct{}{}
	}
	for _, sym := range extra {
		set[domain.NormalizeCode(sym)] = struct{}{}
	}

	if len(set) == 0 {
		return nil, nil, fmt.Errorf("%w: no symbols to ingest", domain.ErrNotFound)
	}

	targets := make([]string, 0, len(set))
	for sym := range set {
		targets = append(targets, sym)
	}
	sort.Strings(targets)
	return targets, weights, nil
}

// fetchDaily plans a window per symbol and batches the vendor calls into at
// most two: the incremental tip for symbols with history and a backfill for
// symbols the store has never seen. Vendor failures mark symbols as failed
// without aborting the run.
func (s *Service) fetchDaily(ctx context.Context, res *Result, symbols []string, today string, force bool) error {
	var incremental, backfill []string
	incFrom := today

	for _, sym := range symbols {
		tip, err := s.market.MaxTimestampFor(ctx, domain.FrequencyDaily, sym)
		if errors.Is(err, domain.ErrNotFound) {
			backfill = append(backfill, sym)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read store tip for %s: %w", sym, err)
		}

		// Force refetches from the tip itself; a bar written intraday gets
		// replaced by the settled one.
		from := tip
		if !force {
			if tip >= today {
				res.Skipped++
				continue
			}
			from = nextDay(tip)
		}
		if from < incFrom {
			incFrom = from
		}
		incremental = append(incremental, sym)
	}

	var bars []domain.Bar
	var failed []string

	if len(incremental) > 0 {
		got, bad := s.fetchBars(ctx, incremental, incFrom, today)
		bars = append(bars, got...)
		failed = append(failed, bad...)
	}

	if len(backfill) > 0 {
		from, err := s.backfillFrom(ctx, today)
		if err != nil {
			return err
		}
		got, bad := s.fetchBars(ctx, backfill, from, today)
		bars = append(bars, got...)
		failed = append(failed, bad...)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: daily ingest aborted: %v", domain.ErrCancelled, err)
	}

	res.Fetched += len(bars)
	res.Failed = append(res.Failed, failed...)

	if len(bars) == 0 {
		s.log.Info().Int("skipped", res.Skipped).Int("failed", len(failed)).Msg("Daily ingest found nothing new")
		return nil
	}

	if err := s.market.StoreBars(ctx, domain.FrequencyDaily, bars); err != nil {
		return fmt.Errorf("failed to store daily bars: %w", err)
	}
	res.Upserted += len(bars)

	s.log.Info().
		Int("targets", len(symbols)).
		Int("bars", len(bars)).
		Int("skipped", res.Skipped).
		Int("failed", len(failed)).
		Msg("Daily bars refreshed")
	return nil
}

// fetchBars pulls [from, to] for a symbol group from the primary vendor,
// falling back per symbol to the secondary vendor when the group call
// exhausts its retries. Returns the bars plus the symbols no vendor served.
func (s *Service) fetchBars(ctx context.Context, symbols []string, from, to string) ([]domain.Bar, []string) {
	var bars []domain.Bar
	err := Retry(ctx, s.log, s.vendor.Name()+" daily bars", s.policy, func() error {
		var ferr error
		bars, ferr = s.vendor.DailyBars(ctx, symbols, from, to)
		return ferr
	})
	if err == nil {
		return bars, nil
	}
	if s.secondary == nil {
		s.log.Error().Err(err).Int("symbols", len(symbols)).Msg("Vendor failed and no secondary vendor is configured")
		return nil, append([]string(nil), symbols...)
	}

	s.log.Warn().Err(err).Str("secondary", s.secondary.Name()).Msg("Primary vendor failed, trying secondary per symbol")

	bars = nil
	var failed []string
	for i, sym := range symbols {
		if ctx.Err() != nil {
			failed = append(failed, symbols[i:]...)
			break
		}
		var got []domain.Bar
		serr := Retry(ctx, s.log, s.secondary.Name()+" daily bars", s.policy, func() error {
			var ferr error
			got, ferr = s.secondary.DailyBars(ctx, []string{sym}, from, to)
			return ferr
		})
		if serr != nil {
			s.log.Error().Err(serr).Str("symbol", sym).Msg("Every vendor failed for symbol")
			failed = append(failed, sym)
			continue
		}
		bars = append(bars, got...)
	}
	return bars, failed
}

// backfillFrom picks the start date for symbols with no stored history: the
// store's earliest timestamp, so new symbols line up with existing series,
// or defaultBackfillDays back when the store is empty.
func (s *Service) backfillFrom(ctx context.Context, today string) (string, error) {
	earliest, err := s.market.EarliestTimestamp(ctx, domain.FrequencyDaily)
	if errors.Is(err, domain.ErrNotFound) {
		t, perr := domain.FrequencyDaily.ParseTimestamp(today)
		if perr != nil {
			return "", perr
		}
		return domain.FrequencyDaily.FormatTimestamp(t.AddDate(0, 0, -defaultBackfillDays)), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve backfill window: %w", err)
	}
	return earliest, nil
}

// refreshIndexBars keeps the benchmark index series as fresh as the bars.
func (s *Service) refreshIndexBars(ctx context.Context, today string) error {
	from := today
	latest, err := s.market.LatestIndexDate(ctx, s.indexCode)
	switch {
	case err == nil:
		if latest >= today {
			return nil
		}
		from = nextDay(latest)
	case errors.Is(err, domain.ErrNotFound):
		if from, err = s.backfillFrom(ctx, today); err != nil {
			return err
		}
	default:
		return err
	}

	var bars []domain.IndexBar
	err = Retry(ctx, s.log, "index bars", s.policy, func() error {
		var ferr error
		bars, ferr = s.vendor.IndexDailyBars(ctx, s.indexCode, from, today)
		return ferr
	})
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	return s.market.StoreIndexBars(ctx, bars)
}

// refreshUniverse picks the symbols a realtime refresh covers: whatever the
// store already tracks at this frequency, or the daily universe while the
// hourly store has no history yet.
func (s *Service) refreshUniverse(ctx context.Context, freq domain.Frequency) ([]string, error) {
	symbols, err := s.market.Symbols(ctx, freq)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to list store symbols: %w", err)
	}
	if len(symbols) == 0 && freq == domain.FrequencyHourly {
		symbols, err = s.market.Symbols(ctx, domain.FrequencyDaily)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to list store symbols: %w", err)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols to refresh", domain.ErrNotFound)
	}
	return symbols, nil
}

// refresh writes one bar per symbol at the time key derived from now.
func (s *Service) refresh(ctx context.Context, res *Result, freq domain.Frequency, now time.Time, symbols []string, force bool) error {
	if s.quotes == nil {
		return fmt.Errorf("%w: no realtime quote source configured", domain.ErrUnavailable)
	}

	timeKey := timeKeyFor(freq, now)
	res.TimeKey = timeKey

	if !force {
		present, err := s.market.IsTradingTimestamp(ctx, freq, timeKey)
		if err != nil {
			return fmt.Errorf("failed to check time key %s: %w", timeKey, err)
		}
		if present {
			res.Skipped += len(symbols)
			s.log.Info().Str("time_key", timeKey).Msg("Bars already present for time key, refresh skipped")
			return nil
		}
	}

	var quotes map[string]domain.Quote
	err := Retry(ctx, s.log, "realtime quotes", s.policy, func() error {
		var ferr error
		quotes, ferr = s.quotes.RealtimeQuotes(ctx, symbols)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch realtime quotes: %w", err)
	}
	res.Fetched += len(quotes)

	bars := make([]domain.Bar, 0, len(quotes))
	for sym, q := range quotes {
		// Suspended symbols quote a zero price; writing them would poison
		// the series with zero bars.
		if q.Price <= 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    sym,
			Name:      q.Name,
			Timestamp: timeKey,
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			Close:     q.Price,
			Volume:    q.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Symbol < bars[j].Symbol })

	if len(bars) == 0 {
		return fmt.Errorf("%w: no tradable quotes at %s", domain.ErrNotFound, timeKey)
	}

	if err := s.market.StoreBars(ctx, freq, bars); err != nil {
		return fmt.Errorf("failed to store realtime bars: %w", err)
	}
	res.Upserted += len(bars)

	if s.snapshots != nil {
		if err := s.snapshots.Save(quotes); err != nil {
			s.log.Error().Err(err).Msg("Failed to save quote snapshot")
		}
	}

	s.log.Info().
		Str("time_key", timeKey).
		Int("quotes", len(quotes)).
		Int("bars", len(bars)).
		Msg("Realtime bars refreshed")
	return nil
}

// timeKeyFor maps wall-clock time to the bar timestamp a refresh writes.
func timeKeyFor(freq domain.Frequency, now time.Time) string {
	date := now.Format("2006-01-02")
	if freq != domain.FrequencyHourly {
		return date
	}
	aligned, ok := domain.AlignScheduleHour(now.Hour())
	if !ok {
		// Off-schedule hours keep the top of the hour. The scheduler
		// rejects these before any live run sees them.
		aligned = now.Format("15") + ":00:00"
	}
	return date + " " + aligned
}

// nextDay advances a date by one calendar day.
func nextDay(date string) string {
	t, err := domain.FrequencyDaily.ParseTimestamp(date)
	if err != nil {
		return date
	}
	return domain.FrequencyDaily.FormatTimestamp(t.AddDate(0, 0, 1))
}
