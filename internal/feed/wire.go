package feed

import (
	"encoding/json"
	"fmt"

	"github.com/aristath/hotpath/internal/marketdata"
)

// wireEnvelope is the JSON shape of one message on the trade feed. Exactly
// one of Trade, BBA or Depth is populated, selected by Type.
type wireEnvelope struct {
	Type      string          `json:"type"` // "trade", "bba", "depth_diff"
	SeqID     uint64          `json:"seq_id"`
	EventTsUs int64           `json:"event_ts_us"`
	Trade     *wireTrade      `json:"trade,omitempty"`
	BBA       *wireBBA        `json:"bba,omitempty"`
	Depth     *wireDepthDiff  `json:"depth_diff,omitempty"`
}

type wireTrade struct {
	TradeID      uint64  `json:"trade_id"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	BuyerIsMaker bool    `json:"buyer_is_maker"`
}

type wireBBA struct {
	BidPx float64 `json:"bid_px"`
	BidSz float64 `json:"bid_sz"`
	AskPx float64 `json:"ask_px"`
	AskSz float64 `json:"ask_sz"`
}

type wirePriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type wireDepthDiff struct {
	FirstUpdateID uint64           `json:"first_update_id"`
	FinalUpdateID uint64           `json:"final_update_id"`
	Bids          []wirePriceLevel `json:"bids"`
	Asks          []wirePriceLevel `json:"asks"`
}

// decodeEvent parses one raw wire message into a marketdata.Event. This is
// the only place in the module that understands the feed's wire framing;
// everything downstream of it (Aggregator, GapDetector) works with already
// typed, scaled values.
func decodeEvent(raw []byte) (*marketdata.Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("feed: malformed wire message: %w", err)
	}

	ev := &marketdata.Event{SeqID: env.SeqID, EventTsUs: env.EventTsUs}

	switch env.Type {
	case "trade":
		if env.Trade == nil {
			return nil, fmt.Errorf("feed: trade message missing trade payload")
		}
		ev.Kind = marketdata.EventKindTrade
		ev.Trade = &marketdata.TradeEvent{
			TradeID:      env.Trade.TradeID,
			Price:        env.Trade.Price,
			Size:         env.Trade.Size,
			BuyerIsMaker: env.Trade.BuyerIsMaker,
		}
	case "bba":
		if env.BBA == nil {
			return nil, fmt.Errorf("feed: bba message missing bba payload")
		}
		ev.Kind = marketdata.EventKindBestBidAsk
		ev.BestBidAsk = &marketdata.BestBidAskEvent{
			BidPx: env.BBA.BidPx, BidSz: env.BBA.BidSz,
			AskPx: env.BBA.AskPx, AskSz: env.BBA.AskSz,
		}
	case "depth_diff":
		if env.Depth == nil {
			return nil, fmt.Errorf("feed: depth_diff message missing depth payload")
		}
		ev.Kind = marketdata.EventKindDepthDiff
		ev.DepthDiff = &marketdata.DepthDiffEvent{
			FirstUpdateID: env.Depth.FirstUpdateID,
			FinalUpdateID: env.Depth.FinalUpdateID,
			Bids:          toLevels(env.Depth.Bids),
			Asks:          toLevels(env.Depth.Asks),
		}
	default:
		return nil, fmt.Errorf("feed: unknown wire message type %q", env.Type)
	}

	return ev, nil
}

func toLevels(levels []wirePriceLevel) []marketdata.PriceLevel {
	out := make([]marketdata.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = marketdata.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}
