package snapshotsource

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmStartCache_SaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warm_start.msgpack")
	c := NewWarmStartCache(path, time.Hour, zerolog.Nop())

	snap := &DepthSnapshot{
		Bids:       []DepthLevel{{Price: 100, Size: 1}},
		Asks:       []DepthLevel{{Price: 100.1, Size: 1}},
		UpdateID:   42,
		ServerTsUs: 1_000_000,
	}
	trades := []Trade{{TradeID: 1, EventTsUs: 900_000, Price: 100.05, Size: 0.1}}

	require.NoError(t, c.Save("BTCUSDT", snap, trades))

	loaded, loadedTrades, ok := c.Load("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, snap.UpdateID, loaded.UpdateID)
	assert.Equal(t, snap.Bids, loaded.Bids)
	assert.Equal(t, trades, loadedTrades)
}

func TestWarmStartCache_LoadMissingFileIsNotOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does_not_exist.msgpack")
	c := NewWarmStartCache(path, time.Hour, zerolog.Nop())

	_, _, ok := c.Load("BTCUSDT")
	assert.False(t, ok)
}

func TestWarmStartCache_LoadWrongSymbolIsNotOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warm_start.msgpack")
	c := NewWarmStartCache(path, time.Hour, zerolog.Nop())

	require.NoError(t, c.Save("BTCUSDT", &DepthSnapshot{}, nil))

	_, _, ok := c.Load("ETHUSDT")
	assert.False(t, ok)
}

func TestWarmStartCache_LoadExpiredIsNotOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warm_start.msgpack")
	c := NewWarmStartCache(path, time.Millisecond, zerolog.Nop())

	require.NoError(t, c.Save("BTCUSDT", &DepthSnapshot{}, nil))
	time.Sleep(5 * time.Millisecond)

	_, _, ok := c.Load("BTCUSDT")
	assert.False(t, ok)
}
