package aggregator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/marketdata"
)

func testConfig() *config.Config {
	return &config.Config{
		Symbol:               "BTCUSDT",
		FeatureInterval:      2 * time.Second,
		FeatureMoveThreshold: 0.0005,
		RollingWindows:       []time.Duration{time.Second, 5 * time.Second},
	}
}

func newTestAggregator() (*Aggregator, *hotstate.Store, *events.Bus) {
	store := hotstate.New(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	a := New(testConfig(), store, bus, zerolog.Nop())
	return a, store, bus
}

// TestAggregator_SteadyState exercises spec §8's Scenario A: a best-bid-ask
// update followed by two trades, checking the order book and rolling
// statistics that the spec pins exact values for.
func TestAggregator_SteadyState(t *testing.T) {
	a, store, _ := newTestAggregator()

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindBestBidAsk,
		SeqID:     1,
		EventTsUs: 1_000_000,
		BestBidAsk: &marketdata.BestBidAskEvent{
			BidPx: 100.00, BidSz: 1, AskPx: 100.02, AskSz: 1,
		},
	})
	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindTrade,
		SeqID:     2,
		EventTsUs: 1_100_000,
		Trade:     &marketdata.TradeEvent{TradeID: 1, Price: 100.01, Size: 0.5, BuyerIsMaker: false},
	})
	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindTrade,
		SeqID:     3,
		EventTsUs: 1_200_000,
		Trade:     &marketdata.TradeEvent{TradeID: 2, Price: 100.02, Size: 0.3, BuyerIsMaker: true},
	})
	a.recomputeFeaturesNow("test")

	b, err := store.GetRevision()
	require.NoError(t, err)

	assert.Equal(t, 100.02, b.OB.LastTradePrice)
	assert.InDelta(t, 100.01, b.OB.Mid(), 1e-9)
	assert.InDelta(t, 2.0, b.OB.SpreadBp, 1e-9)

	assert.InDelta(t, 0.8, b.TS1s.Volume, 1e-9)
	assert.InDelta(t, 0.2, b.TS1s.SignedVolume, 1e-9)
	assert.InDelta(t, 100.01375, b.TS1s.VWAP, 1e-9)
	assert.Equal(t, uint64(0), a.MalformedCount())

	assert.InDelta(t, 100.02, b.FV.Price, 1e-9)
	assert.InDelta(t, 100.01, b.FV.Mid, 1e-9)
	assert.InDelta(t, 2.0, b.FV.SpreadBp, 1e-9)
	assert.InDelta(t, 1.0, b.FV.Completeness, 1e-9)
	assert.True(t, b.FV.AllFinite())
}

// TestAggregator_EmptyWindow exercises spec §8's Scenario E: best-bid-ask
// updates only, no trades. TS windows stay in the empty marker state and FV
// completeness drops below 1.
func TestAggregator_EmptyWindow(t *testing.T) {
	a, store, _ := newTestAggregator()

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindBestBidAsk,
		SeqID:     1,
		EventTsUs: 1_000_000,
		BestBidAsk: &marketdata.BestBidAskEvent{
			BidPx: 100.00, BidSz: 1, AskPx: 100.02, AskSz: 1,
		},
	})
	a.recomputeFeaturesNow("test")

	b, err := store.GetRevision()
	require.NoError(t, err)

	assert.True(t, b.TS1s.VWAPEmpty)
	assert.True(t, b.TS5s.VWAPEmpty)
	assert.Less(t, b.FV.Completeness, 1.0)
	assert.GreaterOrEqual(t, b.FV.Completeness, 0.8, "a trade-empty but otherwise fresh book must not trip the degraded-stale threshold")
	assert.True(t, b.FV.AllFinite(), "missing fields must be zero, never NaN/Inf")
}

// TestAggregator_MalformedEventIsDroppedNotStored verifies a malformed
// trade (non-positive price) is counted and does not mutate the book.
func TestAggregator_MalformedEventIsDroppedNotStored(t *testing.T) {
	a, store, _ := newTestAggregator()

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindTrade,
		SeqID:     1,
		EventTsUs: 1_000_000,
		Trade:     &marketdata.TradeEvent{TradeID: 1, Price: -5, Size: 1},
	})

	assert.Equal(t, uint64(1), a.MalformedCount())
	_, err := store.GetRevision()
	assert.Error(t, err, "a malformed event must never publish a revision")
}

// TestAggregator_DepthDiffIdempotentReplay verifies spec §8.3: replaying a
// depth-diff whose first_update_id <= last_update_id is a no-op.
func TestAggregator_DepthDiffIdempotentReplay(t *testing.T) {
	a, store, _ := newTestAggregator()

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindDepthDiff,
		SeqID:     1,
		EventTsUs: 1_000_000,
		DepthDiff: &marketdata.DepthDiffEvent{
			FirstUpdateID: 1, FinalUpdateID: 5,
			Bids: []marketdata.PriceLevel{{Price: 99.9, Size: 2}},
			Asks: []marketdata.PriceLevel{{Price: 100.1, Size: 2}},
		},
	})
	before, err := store.GetRevision()
	require.NoError(t, err)
	beforeBidLen := len(before.OB.Bids)

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindDepthDiff,
		SeqID:     2,
		EventTsUs: 1_100_000,
		DepthDiff: &marketdata.DepthDiffEvent{
			FirstUpdateID: 3, FinalUpdateID: 4, // <= last_update_id(5): stale replay
			Bids: []marketdata.PriceLevel{{Price: 1.0, Size: 999}},
		},
	})

	after, err := store.GetRevision()
	require.NoError(t, err)
	assert.Equal(t, beforeBidLen, len(after.OB.Bids))
	assert.Equal(t, uint64(5), after.OB.LastUpdateID)
}

// TestAggregator_DepthGapEmitsDiscontinuityHint verifies a forward gap in
// first_update_id is reported to the bus (spec §4.2).
func TestAggregator_DepthGapEmitsDiscontinuityHint(t *testing.T) {
	a, store, bus := newTestAggregator()

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindDepthDiff,
		SeqID:     1,
		EventTsUs: 1_000_000,
		DepthDiff: &marketdata.DepthDiffEvent{
			FirstUpdateID: 1, FinalUpdateID: 5,
			Bids: []marketdata.PriceLevel{{Price: 99.9, Size: 2}},
			Asks: []marketdata.PriceLevel{{Price: 100.1, Size: 2}},
		},
	})

	var gotRule string
	bus.Subscribe(events.DiscontinuityDetected, func(e *events.Event) {
		gotRule = e.Data.(*events.DiscontinuityData).Rule
	})

	a.Ingest(&marketdata.Event{
		Kind:      marketdata.EventKindDepthDiff,
		SeqID:     2,
		EventTsUs: 1_100_000,
		DepthDiff: &marketdata.DepthDiffEvent{
			FirstUpdateID: 50, FinalUpdateID: 55, // gap vs last_update_id(5)
			Bids: []marketdata.PriceLevel{{Price: 99.8, Size: 1}},
		},
	})

	assert.Equal(t, "depth_gap", gotRule)
	b, err := store.GetRevision()
	require.NoError(t, err)
	assert.Equal(t, uint64(55), b.OB.LastUpdateID)
}

// TestAggregator_OnReanchorCommitted verifies internal tracking is reset
// from the substituted bundle, per spec §4.3 phase 5.
func TestAggregator_OnReanchorCommitted(t *testing.T) {
	a, _, _ := newTestAggregator()

	shadow := marketdata.NewBundle([]int64{1_000_000, 5_000_000})
	shadow.LastSeqID = 1000
	shadow.OB.LastUpdateID = 1000
	shadow.OB.BestBidPx, shadow.OB.BestAskPx = 100, 100.1
	shadow.LastEventTsUs = 5_000_000

	a.OnReanchorCommitted(shadow)

	assert.Equal(t, uint64(1000), a.lastSeqID)
	assert.True(t, a.haveLastSeqID)
}
