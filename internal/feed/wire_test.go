package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hotpath/internal/marketdata"
)

func TestDecodeEvent_Trade(t *testing.T) {
	raw := []byte(`{"type":"trade","seq_id":1,"event_ts_us":1000,"trade":{"trade_id":5,"price":100.5,"size":0.1,"buyer_is_maker":true}}`)

	ev, err := decodeEvent(raw)

	require.NoError(t, err)
	assert.Equal(t, marketdata.EventKindTrade, ev.Kind)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, uint64(5), ev.Trade.TradeID)
	assert.Equal(t, 100.5, ev.Trade.Price)
	assert.True(t, ev.Trade.BuyerIsMaker)
}

func TestDecodeEvent_BestBidAsk(t *testing.T) {
	raw := []byte(`{"type":"bba","seq_id":2,"event_ts_us":2000,"bba":{"bid_px":100,"bid_sz":1,"ask_px":100.1,"ask_sz":2}}`)

	ev, err := decodeEvent(raw)

	require.NoError(t, err)
	assert.Equal(t, marketdata.EventKindBestBidAsk, ev.Kind)
	require.NotNil(t, ev.BestBidAsk)
	assert.Equal(t, 100.1, ev.BestBidAsk.AskPx)
}

func TestDecodeEvent_DepthDiff(t *testing.T) {
	raw := []byte(`{"type":"depth_diff","seq_id":3,"event_ts_us":3000,"depth_diff":{"first_update_id":10,"final_update_id":12,"bids":[{"price":99,"size":1}],"asks":[{"price":101,"size":2}]}}`)

	ev, err := decodeEvent(raw)

	require.NoError(t, err)
	assert.Equal(t, marketdata.EventKindDepthDiff, ev.Kind)
	require.NotNil(t, ev.DepthDiff)
	assert.Equal(t, uint64(10), ev.DepthDiff.FirstUpdateID)
	assert.Len(t, ev.DepthDiff.Bids, 1)
}

func TestDecodeEvent_UnknownTypeFails(t *testing.T) {
	raw := []byte(`{"type":"bogus","seq_id":1}`)
	_, err := decodeEvent(raw)
	assert.Error(t, err)
}

func TestDecodeEvent_MissingPayloadFails(t *testing.T) {
	raw := []byte(`{"type":"trade","seq_id":1}`)
	_, err := decodeEvent(raw)
	assert.Error(t, err)
}

func TestDecodeEvent_InvalidJSONFails(t *testing.T) {
	_, err := decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
