package reanchor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/errkind"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/marketdata"
	"github.com/aristath/hotpath/internal/snapshotsource"
)

func testConfig() *config.Config {
	return &config.Config{
		Symbol:                 "BTCUSDT",
		RollingWindows:         []time.Duration{time.Second, 5 * time.Second},
		ReanchorMaxAttempts:    3,
		ReanchorBackoffInitial: time.Millisecond,
		ReanchorBackoffMax:     5 * time.Millisecond,
		ReanchorTotalDeadline:  time.Second,
		RecoveryCooldown:       time.Hour,
		SanityPriceDevPct:      0.10,
	}
}

type fakeCommitter struct {
	committed atomic.Int32
}

func (f *fakeCommitter) OnReanchorCommitted(b *marketdata.Bundle) { f.committed.Add(1) }

type fakeSource struct {
	snapshot *snapshotsource.DepthSnapshot
	trades   []snapshotsource.Trade
	err      error
	calls    atomic.Int32
}

func (f *fakeSource) DepthSnapshot(ctx context.Context, symbol string) (*snapshotsource.DepthSnapshot, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func (f *fakeSource) RecentTrades(ctx context.Context, symbol string, fromTsUs int64) ([]snapshotsource.Trade, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.trades, nil
}

func validSnapshot() *snapshotsource.DepthSnapshot {
	return &snapshotsource.DepthSnapshot{
		Bids:       []snapshotsource.DepthLevel{{Price: 100, Size: 1}},
		Asks:       []snapshotsource.DepthLevel{{Price: 100.1, Size: 1}},
		UpdateID:   1000,
		ServerTsUs: 5_000_000,
	}
}

// TestCoordinator_SequenceGapTriggersSuccessfulReanchor covers spec §8
// Scenario B: a sequence gap triggers exactly one re-anchor attempt which
// commits a new bundle built from the fetched snapshot.
func TestCoordinator_SequenceGapTriggersSuccessfulReanchor(t *testing.T) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	committer := &fakeCommitter{}
	source := &fakeSource{
		snapshot: validSnapshot(),
		trades: []snapshotsource.Trade{
			{TradeID: 1, EventTsUs: 4_000_000, Price: 100.05, Size: 0.1},
		},
	}

	coord := New(testConfig(), store, source, nil, bus, committer, zerolog.Nop())
	coord.Start()
	defer coord.Stop()

	var committed atomic.Bool
	bus.Subscribe(events.ReanchorCommitted, func(e *events.Event) { committed.Store(true) })

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "sequence_gap", Severity: "high"})

	require.Eventually(t, func() bool { return committed.Load() }, time.Second, time.Millisecond)

	b, err := store.GetRevision()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), b.OB.LastUpdateID)
	assert.Equal(t, int32(1), committer.committed.Load())
}

// TestCoordinator_InvalidSnapshotIsDiscardedAndRetried covers spec §8
// Scenario C: a crossed-book snapshot fails validation; no substitute
// occurs and the attempt is retried.
func TestCoordinator_InvalidSnapshotIsDiscardedAndRetried(t *testing.T) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	committer := &fakeCommitter{}
	source := &fakeSource{
		snapshot: &snapshotsource.DepthSnapshot{
			Bids:       []snapshotsource.DepthLevel{{Price: 200, Size: 1}},
			Asks:       []snapshotsource.DepthLevel{{Price: 150, Size: 1}}, // crossed: ask < bid
			UpdateID:   1,
			ServerTsUs: 1_000_000,
		},
	}

	coord := New(testConfig(), store, source, nil, bus, committer, zerolog.Nop())
	coord.Start()
	defer coord.Stop()

	var failures atomic.Int32
	bus.Subscribe(events.ReanchorFailed, func(e *events.Event) { failures.Add(1) })

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "snapshot_validation", Severity: "high"})

	require.Eventually(t, func() bool { return failures.Load() >= int32(testConfig().ReanchorMaxAttempts) }, time.Second, time.Millisecond)

	assert.Equal(t, int32(0), committer.committed.Load(), "no substitute must occur on validation failure")
	_, err := store.GetRevision()
	assert.Error(t, err, "store must remain uninitialized")
}

// TestCoordinator_ConcurrentDetectionsGrantExactlyOneLease covers spec §8
// Scenario F.
func TestCoordinator_ConcurrentDetectionsGrantExactlyOneLease(t *testing.T) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	committer := &fakeCommitter{}
	source := &fakeSource{snapshot: validSnapshot()}

	coord := New(testConfig(), store, source, nil, bus, committer, zerolog.Nop())
	coord.Start()
	defer coord.Stop()

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "sequence_gap", Severity: "high"})
	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "price_jump", Severity: "high"})

	require.Eventually(t, func() bool {
		_, err := store.GetRevision()
		return err == nil
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond) // let any stray second attempt settle
	assert.Equal(t, int32(1), committer.committed.Load(), "exactly one attempt must commit")
}

func TestCoordinator_CooldownSuppressesNewAttempts(t *testing.T) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	committer := &fakeCommitter{}
	source := &fakeSource{snapshot: validSnapshot()}

	cfg := testConfig()
	coord := New(cfg, store, source, nil, bus, committer, zerolog.Nop())
	coord.Start()
	defer coord.Stop()

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "sequence_gap", Severity: "high"})
	require.Eventually(t, func() bool { return committer.committed.Load() == 1 }, time.Second, time.Millisecond)

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "price_jump", Severity: "high"})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), committer.committed.Load(), "cooldown must suppress the second attempt")
}

func TestCoordinator_FallsBackToWarmStartCacheWhenSourceFails(t *testing.T) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	committer := &fakeCommitter{}
	source := &fakeSource{err: errkind.New(errkind.SnapshotFailure, "dial timeout")}
	cache := snapshotsource.NewWarmStartCache(t.TempDir()+"/warm.msgpack", time.Hour, zerolog.Nop())
	require.NoError(t, cache.Save("BTCUSDT", validSnapshot(), nil))

	coord := New(testConfig(), store, source, cache, bus, committer, zerolog.Nop())
	coord.Start()
	defer coord.Stop()

	bus.Emit("gap_detector", &events.DiscontinuityData{Rule: "sequence_gap", Severity: "high"})

	require.Eventually(t, func() bool { return committer.committed.Load() == 1 }, time.Second, time.Millisecond)
}
