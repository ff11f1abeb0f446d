package marketdata

import "sort"

// MaxLevels is N in spec §3: the top N bid/ask levels retained per side.
const MaxLevels = 10

// OrderBook is a snapshot of the top-of-book plus derived aggregates (spec
// §3, "Order Book (OB)"). Levels are kept sorted: bids descending by price,
// asks ascending by price.
type OrderBook struct {
	BestBidPx float64
	BestBidSz float64
	BestAskPx float64
	BestAskSz float64

	Bids []PriceLevel
	Asks []PriceLevel

	BidValueSum float64
	AskValueSum float64
	Imbalance   float64 // (bid_value - ask_value) / (bid_value + ask_value)
	WeightedMid float64
	SpreadBp    float64

	LastTradePrice float64
	TsUs           int64
	LastUpdateID   uint64
}

// Mid is the simple mid price (best_bid + best_ask) / 2.
func (ob *OrderBook) Mid() float64 {
	return (ob.BestBidPx + ob.BestAskPx) / 2
}

// Valid reports whether ob satisfies the invariants of spec §3: best_ask >
// best_bid, monotonic levels, non-negative sizes.
func (ob *OrderBook) Valid() bool {
	if ob.BestAskPx <= ob.BestBidPx {
		return false
	}
	if ob.BestBidSz < 0 || ob.BestAskSz < 0 {
		return false
	}
	for i := 1; i < len(ob.Bids); i++ {
		if ob.Bids[i].Price >= ob.Bids[i-1].Price {
			return false
		}
	}
	for i := 1; i < len(ob.Asks); i++ {
		if ob.Asks[i].Price <= ob.Asks[i-1].Price {
			return false
		}
	}
	for _, l := range ob.Bids {
		if l.Size < 0 {
			return false
		}
	}
	for _, l := range ob.Asks {
		if l.Size < 0 {
			return false
		}
	}
	return true
}

// applyDepthSide applies a set of price-level deltas to one side of the
// book: a zero size removes the level, any other size sets it. Levels
// are re-sorted and truncated to MaxLevels, per spec §4.2.
func applyDepthSide(levels []PriceLevel, deltas []PriceLevel, descending bool) []PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	for _, l := range levels {
		byPrice[l.Price] = l.Size
	}
	for _, d := range deltas {
		if d.Size == 0 {
			delete(byPrice, d.Price)
			continue
		}
		byPrice[d.Price] = d.Size
	}

	out := make([]PriceLevel, 0, len(byPrice))
	for px, sz := range byPrice {
		out = append(out, PriceLevel{Price: px, Size: sz})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > MaxLevels {
		out = out[:MaxLevels]
	}
	return out
}

// ApplyDepthDiff mutates ob in place per spec §4.2. It does not check the
// idempotence/gap rules (first_update_id vs last_update_id) — that is the
// Aggregator's responsibility since it also needs to emit a discontinuity
// hint on a gap.
func (ob *OrderBook) ApplyDepthDiff(diff *DepthDiffEvent, tsUs int64) {
	ob.Bids = applyDepthSide(ob.Bids, diff.Bids, true)
	ob.Asks = applyDepthSide(ob.Asks, diff.Asks, false)
	ob.LastUpdateID = diff.FinalUpdateID
	ob.TsUs = tsUs
	ob.recomputeAggregates()
}

// ApplyBestBidAsk mutates the top-of-book fields and derived aggregates.
func (ob *OrderBook) ApplyBestBidAsk(e *BestBidAskEvent, tsUs int64) {
	ob.BestBidPx = e.BidPx
	ob.BestBidSz = e.BidSz
	ob.BestAskPx = e.AskPx
	ob.BestAskSz = e.AskSz
	ob.TsUs = tsUs
	ob.recomputeAggregates()
}

func (ob *OrderBook) recomputeAggregates() {
	ob.BidValueSum = 0
	for _, l := range ob.Bids {
		ob.BidValueSum += l.Price * l.Size
	}
	ob.AskValueSum = 0
	for _, l := range ob.Asks {
		ob.AskValueSum += l.Price * l.Size
	}

	total := ob.BidValueSum + ob.AskValueSum
	if total > 0 {
		ob.Imbalance = (ob.BidValueSum - ob.AskValueSum) / total
	} else {
		ob.Imbalance = 0
	}

	// WeightedMid is the size-weighted microprice: it leans toward the side
	// with less size resting on it, since that side is the one more likely
	// to move first. It falls back to the plain mid when both sizes are
	// zero (no quotes seen yet).
	denom := ob.BestBidSz + ob.BestAskSz
	if denom > 0 {
		ob.WeightedMid = (ob.BestBidPx*ob.BestAskSz + ob.BestAskPx*ob.BestBidSz) / denom
	} else if ob.BestBidPx > 0 || ob.BestAskPx > 0 {
		ob.WeightedMid = ob.Mid()
	}

	if ob.BestBidPx > 0 {
		ob.SpreadBp = (ob.BestAskPx - ob.BestBidPx) / ob.BestBidPx * 10000
	}
}

// Clone returns a deep copy, used when building a shadow bundle or handing a
// snapshot to a reader that must not observe future in-place mutation.
func (ob *OrderBook) Clone() *OrderBook {
	clone := *ob
	clone.Bids = append([]PriceLevel(nil), ob.Bids...)
	clone.Asks = append([]PriceLevel(nil), ob.Asks...)
	return &clone
}
