// Package marketdata stores and serves OHLCV bars for A-share symbols.
//
// Bars live in two places: the market database (primary) and the merged
// JSONL journals kept for compatibility with older tooling. Reads go to the
// database first and fall back to the journal when the database itself is
// broken; writes go to both.
package marketdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/domain"
)

// Repository handles market database operations
type Repository struct {
	marketDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new market data repository
func NewRepository(marketDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		marketDB: marketDB,
		log:      log.With().Str("repo", "market").Logger(),
	}
}

// barsTable returns the table and timestamp column for a frequency.
func barsTable(freq domain.Frequency) (table, tsCol string) {
	if freq == domain.FrequencyHourly {
		return "bars_hourly", "ts"
	}
	return "bars_daily", "date"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// UpsertBars inserts or updates bars at the given frequency.
// The whole batch is applied in one transaction.
func (r *Repository) UpsertBars(ctx context.Context, freq domain.Frequency, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	table, tsCol := barsTable(freq)

	query := fmt.Sprintf(`INSERT INTO %s (symbol, %s, name, open, high, low, close, volume, amount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%%s', 'now'))
		ON CONFLICT(symbol, %s) DO UPDATE SET
			name = excluded.name,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			amount = excluded.amount,
			updated_at = excluded.updated_at`, table, tsCol, tsCol)

	return database.WithTransaction(r.marketDB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timestamp, b.Name, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount); err != nil {
				return fmt.Errorf("failed to upsert bar %s@%s: %w", b.Symbol, b.Timestamp, err)
			}
		}
		return nil
	})
}

// Bar returns the bar for a symbol at an exact timestamp.
// Returns domain.ErrNotFound when the store has no bar there.
func (r *Repository) Bar(ctx context.Context, freq domain.Frequency, symbol, ts string) (*domain.Bar, error) {
	table, tsCol := barsTable(freq)
	query := fmt.Sprintf(`SELECT symbol, %s, name, open, high, low, close, volume, amount FROM %s
		WHERE symbol = ? AND %s = ?`, tsCol, table, tsCol)

	var b domain.Bar
	err := r.marketDB.QueryRowContext(ctx, query, symbol, ts).
		Scan(&b.Symbol, &b.Timestamp, &b.Name, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s bar for %s at %s", domain.ErrNotFound, freq, symbol, ts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bar: %w", err)
	}
	return &b, nil
}

// BarsRange returns bars for one symbol with timestamps in [from, to],
// oldest first. Empty from/to leave that side unbounded. A limit of 0
// means no limit; a positive limit keeps the NEWEST bars.
func (r *Repository) BarsRange(ctx context.Context, freq domain.Frequency, symbol, from, to string, limit int) ([]domain.Bar, error) {
	table, tsCol := barsTable(freq)

	query := fmt.Sprintf(`SELECT symbol, %s, name, open, high, low, close, volume, amount FROM %s WHERE symbol = ?`, tsCol, table)
	args := []interface{}{symbol}
	if from != "" {
		query += fmt.Sprintf(" AND %s >= ?", tsCol)
		args = append(args, from)
	}
	if to != "" {
		query += fmt.Sprintf(" AND %s <= ?", tsCol)
		args = append(args, to)
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", tsCol)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.marketDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Name, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// OpenPrices returns symbol -> open price at an exact timestamp. When
// symbols is empty, all symbols with a bar at ts are returned. Missing
// symbols are simply absent from the map.
func (r *Repository) OpenPrices(ctx context.Context, freq domain.Frequency, ts string, symbols []string) (map[string]float64, error) {
	return r.pricesAt(ctx, freq, ts, symbols, "open")
}

// ClosePrices returns symbol -> close price at an exact timestamp.
func (r *Repository) ClosePrices(ctx context.Context, freq domain.Frequency, ts string, symbols []string) (map[string]float64, error) {
	return r.pricesAt(ctx, freq, ts, symbols, "close")
}

func (r *Repository) pricesAt(ctx context.Context, freq domain.Frequency, ts string, symbols []string, column string) (map[string]float64, error) {
	table, tsCol := barsTable(freq)

	query := fmt.Sprintf("SELECT symbol, %s FROM %s WHERE %s = ?", column, table, tsCol)
	args := []interface{}{ts}
	if len(symbols) > 0 {
		query += fmt.Sprintf(" AND symbol IN (%s)", placeholders(len(symbols)))
		for _, s := range symbols {
			args = append(args, s)
		}
	}

	rows, err := r.marketDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var price float64
		if err := rows.Scan(&symbol, &price); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices[symbol] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return prices, nil
}

// Timestamps returns the distinct trading timestamps in [from, to],
// oldest first. Empty bounds leave that side open.
func (r *Repository) Timestamps(ctx context.Context, freq domain.Frequency, from, to string) ([]string, error) {
	table, tsCol := barsTable(freq)

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", tsCol, table)
	var conds []string
	var args []interface{}
	if from != "" {
		conds = append(conds, tsCol+" >= ?")
		args = append(args, from)
	}
	if to != "" {
		conds = append(conds, tsCol+" <= ?")
		args = append(args, to)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s ASC", tsCol)

	rows, err := r.marketDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timestamps: %w", err)
	}
	return out, nil
}

// PrevTimestamp returns the latest trading timestamp strictly before ts.
// Returns domain.ErrNotFound when no earlier timestamp exists.
func (r *Repository) PrevTimestamp(ctx context.Context, freq domain.Frequency, ts string) (string, error) {
	table, tsCol := barsTable(freq)
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s < ?", tsCol, table, tsCol)

	var prev sql.NullString
	if err := r.marketDB.QueryRowContext(ctx, query, ts).Scan(&prev); err != nil {
		return "", fmt.Errorf("failed to query previous timestamp: %w", err)
	}
	if !prev.Valid {
		return "", fmt.Errorf("%w: no trading timestamp before %s", domain.ErrNotFound, ts)
	}
	return prev.String, nil
}

// NextTimestamp returns the earliest trading timestamp strictly after ts.
// Returns domain.ErrNotFound when ts is already at or past the newest bar.
func (r *Repository) NextTimestamp(ctx context.Context, freq domain.Frequency, ts string) (string, error) {
	table, tsCol := barsTable(freq)
	query := fmt.Sprintf("SELECT MIN(%s) FROM %s WHERE %s > ?", tsCol, table, tsCol)

	var next sql.NullString
	if err := r.marketDB.QueryRowContext(ctx, query, ts).Scan(&next); err != nil {
		return "", fmt.Errorf("failed to query next timestamp: %w", err)
	}
	if !next.Valid {
		return "", fmt.Errorf("%w: no trading timestamp after %s", domain.ErrNotFound, ts)
	}
	return next.String, nil
}

// LatestTimestamp returns the newest trading timestamp in the store.
func (r *Repository) LatestTimestamp(ctx context.Context, freq domain.Frequency) (string, error) {
	table, tsCol := barsTable(freq)

	var latest sql.NullString
	if err := r.marketDB.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", tsCol, table)).Scan(&latest); err != nil {
		return "", fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	if !latest.Valid {
		return "", fmt.Errorf("%w: no %s bars stored", domain.ErrNotFound, freq)
	}
	return latest.String, nil
}

// EarliestTimestamp returns the oldest trading timestamp in the store.
func (r *Repository) EarliestTimestamp(ctx context.Context, freq domain.Frequency) (string, error) {
	table, tsCol := barsTable(freq)

	var earliest sql.NullString
	if err := r.marketDB.QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(%s) FROM %s", tsCol, table)).Scan(&earliest); err != nil {
		return "", fmt.Errorf("failed to query earliest timestamp: %w", err)
	}
	if !earliest.Valid {
		return "", fmt.Errorf("%w: no %s bars stored", domain.ErrNotFound, freq)
	}
	return earliest.String, nil
}

// IsTradingTimestamp reports whether any symbol has a bar at ts.
func (r *Repository) IsTradingTimestamp(ctx context.Context, freq domain.Frequency, ts string) (bool, error) {
	table, tsCol := barsTable(freq)

	var one int
	err := r.marketDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", table, tsCol), ts).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe trading timestamp: %w", err)
	}
	return true, nil
}

// MaxTimestampFor returns the newest timestamp stored for one symbol.
func (r *Repository) MaxTimestampFor(ctx context.Context, freq domain.Frequency, symbol string) (string, error) {
	table, tsCol := barsTable(freq)

	var latest sql.NullString
	err := r.marketDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE symbol = ?", tsCol, table), symbol).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("failed to query max timestamp for %s: %w", symbol, err)
	}
	if !latest.Valid {
		return "", fmt.Errorf("%w: no %s bars for %s", domain.ErrNotFound, freq, symbol)
	}
	return latest.String, nil
}

// Symbols returns all symbols with at least one bar, sorted.
func (r *Repository) Symbols(ctx context.Context, freq domain.Frequency) ([]string, error) {
	table, _ := barsTable(freq)

	rows, err := r.marketDB.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol", table))
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return out, nil
}

// SymbolsAt returns the symbols that have a bar at an exact timestamp.
func (r *Repository) SymbolsAt(ctx context.Context, freq domain.Frequency, ts string) ([]string, error) {
	table, tsCol := barsTable(freq)

	rows, err := r.marketDB.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT symbol FROM %s WHERE %s = ? ORDER BY symbol", table, tsCol), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols at %s: %w", ts, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return out, nil
}

// UpsertIndexBars inserts or updates daily index bars.
func (r *Repository) UpsertIndexBars(ctx context.Context, bars []domain.IndexBar) error {
	if len(bars) == 0 {
		return nil
	}

	query := `INSERT INTO index_bars_daily (index_code, date, open, high, low, close, volume, amount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(index_code, date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			amount = excluded.amount,
			updated_at = excluded.updated_at`

	return database.WithTransaction(r.marketDB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare index bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.IndexCode, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount); err != nil {
				return fmt.Errorf("failed to upsert index bar %s@%s: %w", b.IndexCode, b.Date, err)
			}
		}
		return nil
	})
}

// LatestIndexDate returns the newest stored date for an index.
func (r *Repository) LatestIndexDate(ctx context.Context, indexCode string) (string, error) {
	var date sql.NullString
	err := r.marketDB.QueryRowContext(ctx,
		"SELECT MAX(date) FROM index_bars_daily WHERE index_code = ?", indexCode).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query latest index date: %w", err)
	}
	if !date.Valid {
		return "", fmt.Errorf("%w: no bars for index %s", domain.ErrNotFound, indexCode)
	}
	return date.String, nil
}

// IndexBars returns daily index bars in [from, to], oldest first.
func (r *Repository) IndexBars(ctx context.Context, indexCode, from, to string) ([]domain.IndexBar, error) {
	query := "SELECT index_code, date, open, high, low, close, volume, amount FROM index_bars_daily WHERE index_code = ?"
	args := []interface{}{indexCode}
	if from != "" {
		query += " AND date >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND date <= ?"
		args = append(args, to)
	}
	query += " ORDER BY date ASC"

	rows, err := r.marketDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.IndexBar
	for rows.Next() {
		var b domain.IndexBar
		if err := rows.Scan(&b.IndexCode, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan index bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index bars: %w", err)
	}
	return bars, nil
}

// UpsertIndexWeights inserts or updates index constituent weights.
func (r *Repository) UpsertIndexWeights(ctx context.Context, weights []domain.IndexWeight) error {
	if len(weights) == 0 {
		return nil
	}

	query := `INSERT INTO index_weights (index_code, con_code, trade_date, weight, name, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(index_code, con_code, trade_date) DO UPDATE SET
			weight = excluded.weight,
			name = excluded.name,
			updated_at = excluded.updated_at`

	return database.WithTransaction(r.marketDB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare index weight upsert: %w", err)
		}
		defer stmt.Close()

		for _, w := range weights {
			if _, err := stmt.ExecContext(ctx, w.IndexCode, w.Symbol, w.Date, w.Weight, w.Name); err != nil {
				return fmt.Errorf("failed to upsert index weight %s/%s: %w", w.IndexCode, w.Symbol, err)
			}
		}
		return nil
	})
}

// IndexWeights returns the constituents of an index as of a date: the
// weight set with the latest trade_date at or before the given date.
// An empty date returns the newest weight set.
func (r *Repository) IndexWeights(ctx context.Context, indexCode, date string) ([]domain.IndexWeight, error) {
	dateQuery := "SELECT MAX(trade_date) FROM index_weights WHERE index_code = ?"
	args := []interface{}{indexCode}
	if date != "" {
		dateQuery += " AND trade_date <= ?"
		args = append(args, date)
	}

	var effectiveDate sql.NullString
	if err := r.marketDB.QueryRowContext(ctx, dateQuery, args...).Scan(&effectiveDate); err != nil {
		return nil, fmt.Errorf("failed to resolve weight date: %w", err)
	}
	if !effectiveDate.Valid {
		return nil, fmt.Errorf("%w: no weights for index %s", domain.ErrNotFound, indexCode)
	}

	rows, err := r.marketDB.QueryContext(ctx,
		`SELECT index_code, con_code, trade_date, weight, name FROM index_weights
		 WHERE index_code = ? AND trade_date = ? ORDER BY weight DESC`,
		indexCode, effectiveDate.String)
	if err != nil {
		return nil, fmt.Errorf("failed to query index weights: %w", err)
	}
	defer rows.Close()

	var weights []domain.IndexWeight
	for rows.Next() {
		var w domain.IndexWeight
		if err := rows.Scan(&w.IndexCode, &w.Symbol, &w.Date, &w.Weight, &w.Name); err != nil {
			return nil, fmt.Errorf("failed to scan index weight: %w", err)
		}
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index weights: %w", err)
	}
	return weights, nil
}

// CacheGet returns a cached vendor payload if present and unexpired.
func (r *Repository) CacheGet(ctx context.Context, source, key string) (string, bool, error) {
	var payload string
	err := r.marketDB.QueryRowContext(ctx,
		"SELECT payload FROM vendor_cache WHERE source = ? AND cache_key = ? AND expires_at > ?",
		source, key, time.Now().Unix()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query vendor cache: %w", err)
	}
	return payload, true, nil
}

// CacheSet stores a vendor payload with a TTL.
func (r *Repository) CacheSet(ctx context.Context, source, key, payload string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).Unix()
	_, err := r.marketDB.ExecContext(ctx,
		`INSERT INTO vendor_cache (source, cache_key, payload, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, cache_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at`,
		source, key, payload, expires)
	if err != nil {
		return fmt.Errorf("failed to write vendor cache: %w", err)
	}
	return nil
}

// CachePurge deletes expired vendor cache rows and returns how many went.
func (r *Repository) CachePurge(ctx context.Context) (int64, error) {
	res, err := r.marketDB.ExecContext(ctx,
		"DELETE FROM vendor_cache WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge vendor cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
