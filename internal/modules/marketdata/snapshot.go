package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/renqi/tradewind/internal/domain"
)

// DefaultSnapshotTTL bounds how stale a realtime snapshot may be before
// live runs must refetch. Quotes move fast intraday; ten minutes keeps a
// scheduler slot from reusing the previous slot's prices.
const DefaultSnapshotTTL = 10 * time.Minute

// Snapshot holds one batch of realtime quotes.
type Snapshot struct {
	FetchedAt time.Time               `msgpack:"fetched_at"`
	Quotes    map[string]domain.Quote `msgpack:"quotes"`
}

// SnapshotStore persists realtime quotes to a single msgpack file with TTL
// semantics. The file is rewritten whole on every refresh.
type SnapshotStore struct {
	path string
	ttl  time.Duration
	log  zerolog.Logger
}

// NewSnapshotStore creates a snapshot store. A zero ttl uses the default.
func NewSnapshotStore(path string, ttl time.Duration, log zerolog.Logger) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{
		path: path,
		ttl:  ttl,
		log:  log.With().Str("component", "quote_snapshot").Logger(),
	}
}

// Save writes a fresh snapshot atomically.
func (st *SnapshotStore) Save(quotes map[string]domain.Quote) error {
	snap := Snapshot{
		FetchedAt: time.Now(),
		Quotes:    quotes,
	}

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode quote snapshot: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".quotes-*.bin")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, st.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	st.log.Debug().Int("quotes", len(quotes)).Msg("Quote snapshot saved")
	return nil
}

// Load returns the snapshot if present and within TTL.
// Missing and stale snapshots both return domain.ErrNotFound.
func (st *SnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no quote snapshot", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quote snapshot: %w", err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode quote snapshot: %w", err)
	}

	if age := time.Since(snap.FetchedAt); age > st.ttl {
		return nil, fmt.Errorf("%w: quote snapshot is stale (%s old)", domain.ErrNotFound, age.Round(time.Second))
	}
	return &snap, nil
}

// Quote returns one symbol's quote from an unexpired snapshot.
func (st *SnapshotStore) Quote(symbol string) (domain.Quote, error) {
	snap, err := st.Load()
	if err != nil {
		return domain.Quote{}, err
	}
	q, ok := snap.Quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s in snapshot", domain.ErrNotFound, symbol)
	}
	return q, nil
}
