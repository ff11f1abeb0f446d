package snapshotsource

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/hotpath/internal/errkind"
)

// warmStartRecord is the on-disk payload of a WarmStartCache entry.
type warmStartRecord struct {
	Symbol     string
	Snapshot   DepthSnapshot
	Trades     []Trade
	SavedAtUTC int64
}

// WarmStartCache durably persists the most recent successful snapshot
// fetch to disk in msgpack form. The ReAnchorCoordinator reads it only when
// a live fetch fails during a re-anchor attempt, including the first attempt
// after a restart; it is not read at startup. This is a supplemental
// feature: the core SnapshotSource contract (spec §6) has no persistence
// requirement.
type WarmStartCache struct {
	path   string
	maxAge time.Duration
	log    zerolog.Logger
}

// NewWarmStartCache returns a cache backed by the file at path. maxAge
// bounds how old a saved snapshot may be before Load refuses to return it.
func NewWarmStartCache(path string, maxAge time.Duration, log zerolog.Logger) *WarmStartCache {
	return &WarmStartCache{path: path, maxAge: maxAge, log: log.With().Str("component", "warm_start_cache").Logger()}
}

// Save persists snapshot and trades for symbol.
func (c *WarmStartCache) Save(symbol string, snapshot *DepthSnapshot, trades []Trade) error {
	record := warmStartRecord{
		Symbol:     symbol,
		Snapshot:   *snapshot,
		Trades:     trades,
		SavedAtUTC: time.Now().UTC().Unix(),
	}

	data, err := msgpack.Marshal(&record)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal warm-start record", err)
	}

	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return errkind.Wrap(errkind.Fatal, "write warm-start cache file", err)
	}
	return nil
}

// Load returns the last saved snapshot for symbol, or ok=false if no cache
// file exists, it belongs to a different symbol, or it is older than
// maxAge.
func (c *WarmStartCache) Load(symbol string) (snapshot *DepthSnapshot, trades []Trade, ok bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, nil, false
	}

	var record warmStartRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		c.log.Warn().Err(err).Msg("warm-start cache file is corrupt, ignoring")
		return nil, nil, false
	}

	if record.Symbol != symbol {
		return nil, nil, false
	}
	if time.Since(time.Unix(record.SavedAtUTC, 0)) > c.maxAge {
		return nil, nil, false
	}

	snap := record.Snapshot
	return &snap, record.Trades, true
}
