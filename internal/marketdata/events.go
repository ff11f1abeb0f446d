// Package marketdata defines the wire-decoded event types and the derived
// state entities (order book, rolling trade statistics, feature vector,
// hot-state revision) shared by the Aggregator, the ReAnchorCoordinator and
// InferenceTick. Decoding of the raw exchange protocol is out of scope — by
// the time a value reaches this package it is already a correctly scaled,
// typed number (spec §9, "Decoding of the wire protocol is explicitly out of
// scope").
package marketdata

// EventKind tags which of the three wire event shapes a raw Event carries.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindTrade
	EventKindBestBidAsk
	EventKindDepthDiff
)

// PriceLevel is a single (price, size) pair.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Event is a tagged sum type carrying exactly the fields of one of the three
// event kinds consumed by the Aggregator (spec §4.2). Exactly one of Trade,
// BestBidAsk or DepthDiff is populated, selected by Kind.
type Event struct {
	Kind      EventKind
	SeqID     uint64
	EventTsUs int64

	Trade       *TradeEvent
	BestBidAsk  *BestBidAskEvent
	DepthDiff   *DepthDiffEvent
}

// TradeEvent is a single executed trade print.
type TradeEvent struct {
	TradeID      uint64
	Price        float64
	Size         float64
	BuyerIsMaker bool
}

// BestBidAskEvent is a top-of-book quote update.
type BestBidAskEvent struct {
	BidPx float64
	BidSz float64
	AskPx float64
	AskSz float64
}

// DepthDiffEvent is an incremental order-book update covering a contiguous
// update-id range [FirstUpdateID, FinalUpdateID].
type DepthDiffEvent struct {
	FirstUpdateID uint64
	FinalUpdateID uint64
	Bids          []PriceLevel
	Asks          []PriceLevel
}
