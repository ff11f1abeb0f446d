package marketdata

// Bundle is one immutable hot-state revision: the order book, the two
// rolling trade-statistics windows and the derived feature vector, plus the
// revision number and the sequence/update-id watermarks the Aggregator and
// GapDetector use to detect discontinuities (spec §3, "Hot State").
//
// A Bundle is never mutated after it is published; the Aggregator builds the
// next Bundle from a Clone of the previous one (or from scratch after a
// re-anchor) and hands the new value to the store's atomic substitution.
type Bundle struct {
	Revision uint64

	OB   *OrderBook
	TS1s *TradeWindow
	TS5s *TradeWindow
	FV   FeatureVector

	LastSeqID       uint64
	LastUpdateID    uint64
	LastEventTsUs   int64
	BuiltAtUnixNano int64
}

// NewBundle returns an empty Bundle at revision 0, with trade windows sized
// to the given widths (microseconds).
func NewBundle(windowWidthsUs []int64) *Bundle {
	windows := make([]*TradeWindow, len(windowWidthsUs))
	for i, w := range windowWidthsUs {
		windows[i] = NewTradeWindow(w)
	}
	var ts1s, ts5s *TradeWindow
	if len(windows) > 0 {
		ts1s = windows[0]
	} else {
		ts1s = NewTradeWindow(1_000_000)
	}
	if len(windows) > 1 {
		ts5s = windows[1]
	} else {
		ts5s = NewTradeWindow(5_000_000)
	}
	return &Bundle{
		OB:   &OrderBook{},
		TS1s: ts1s,
		TS5s: ts5s,
	}
}

// Clone returns a deep copy of b, suitable as the mutable working copy for
// the next revision. The revision number is left unchanged; the caller sets
// it after the next write completes.
func (b *Bundle) Clone() *Bundle {
	clone := *b
	clone.OB = b.OB.Clone()
	ts1s := *b.TS1s
	ts1s.trades = append([]TradeRecord(nil), b.TS1s.trades...)
	ts5s := *b.TS5s
	ts5s.trades = append([]TradeRecord(nil), b.TS5s.trades...)
	clone.TS1s = &ts1s
	clone.TS5s = &ts5s
	return &clone
}
