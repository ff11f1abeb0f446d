package marketdata

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradeRecord is a retained trade inside a rolling window.
type TradeRecord struct {
	EventTsUs    int64
	Price        float64
	Size         float64
	BuyerIsMaker bool
}

// Notional returns price*size for this trade.
func (t TradeRecord) Notional() float64 { return t.Price * t.Size }

// TradeWindow maintains the rolling trade statistics for one window width
// (spec §3, "Rolling Trade Statistics (TS_w)"). It is an ordered ring of
// retained trades; count/volume/notional/buy-sell splits are maintained
// incrementally by addition on append and subtraction on eviction. Higher
// moments (price std dev, intertrade arrival mean/variance) are rebuilt from
// the retained set on every Ingest, per spec §4.2: "because exact backing out of
// higher moments is numerically unsafe, the implementation may rebuild them
// from the retained trades — this is acceptable because window sizes are
// small."
type TradeWindow struct {
	Width int64 // window width in microseconds

	trades []TradeRecord

	Count           int
	Volume          float64
	Notional        float64
	BuyVolume       float64
	SellVolume      float64
	BuyNotional     float64
	SellNotional    float64
	SignedVolume    float64
	VWAPEmpty       bool
	VWAP            float64
	VWAPMidDevEmpty bool
	VWAPMidDev      float64
	PriceStd        float64
	ArrivalMeanUs   float64
	ArrivalVarUs    float64
	WindowEndTsUs   int64
}

// NewTradeWindow creates an empty window of the given width.
func NewTradeWindow(width int64) *TradeWindow {
	return &TradeWindow{Width: width, VWAPEmpty: true, VWAPMidDevEmpty: true}
}

// Ingest advances the window to now (evicting expired trades), appends
// trade if non-nil, and recomputes derived fields against the current mid.
// now and trade.EventTsUs are both in microseconds. A nil trade is used to
// advance the window on a non-trade event (e.g. a best-bid-ask update) so
// eviction still happens on the Aggregator's monotonic clock.
func (w *TradeWindow) Ingest(now int64, trade *TradeRecord, mid float64) {
	w.evictBefore(now - w.Width)

	if trade != nil {
		w.trades = append(w.trades, *trade)
		notional := trade.Notional()
		w.Count++
		w.Volume += trade.Size
		w.Notional += notional
		if trade.BuyerIsMaker {
			w.SellVolume += trade.Size
			w.SellNotional += notional
		} else {
			w.BuyVolume += trade.Size
			w.BuyNotional += notional
		}
		w.SignedVolume = w.BuyVolume - w.SellVolume
		w.WindowEndTsUs = trade.EventTsUs
	}

	w.recomputeVWAP(mid)
	w.recomputeHigherMoments()
}

func (w *TradeWindow) evictBefore(cutoffTsUs int64) {
	if len(w.trades) == 0 {
		return
	}
	i := 0
	for i < len(w.trades) && w.trades[i].EventTsUs <= cutoffTsUs {
		i++
	}
	if i == 0 {
		return
	}

	evicted := w.trades[:i]
	w.trades = append([]TradeRecord(nil), w.trades[i:]...)

	for _, t := range evicted {
		notional := t.Notional()
		w.Count--
		w.Volume -= t.Size
		w.Notional -= notional
		if t.BuyerIsMaker {
			w.SellVolume -= t.Size
			w.SellNotional -= notional
		} else {
			w.BuyVolume -= t.Size
			w.BuyNotional -= notional
		}
	}
	w.SignedVolume = w.BuyVolume - w.SellVolume

	// Clamp away floating point drift from repeated incremental subtraction.
	if w.Count <= 0 {
		w.Count = 0
		w.Volume = 0
		w.Notional = 0
		w.BuyVolume = 0
		w.SellVolume = 0
		w.BuyNotional = 0
		w.SellNotional = 0
		w.SignedVolume = 0
	}
}

func (w *TradeWindow) recomputeVWAP(mid float64) {
	if w.Volume <= 0 {
		w.VWAPEmpty = true
		w.VWAP = 0
		w.VWAPMidDevEmpty = true
		w.VWAPMidDev = 0
		return
	}
	w.VWAPEmpty = false
	w.VWAP = w.Notional / w.Volume
	if mid > 0 {
		w.VWAPMidDevEmpty = false
		w.VWAPMidDev = w.VWAP - mid
	} else {
		w.VWAPMidDevEmpty = true
		w.VWAPMidDev = 0
	}
}

// recomputeHigherMoments rebuilds price std dev and intertrade arrival
// mean/variance from the retained trade set using gonum/stat, rather than
// maintaining them by incremental Welford subtraction (spec §4.2 permits
// either; this repo rebuilds on every ingest since window sizes are small —
// at most a few hundred trades for the 5s window under normal load).
func (w *TradeWindow) recomputeHigherMoments() {
	if len(w.trades) < 2 {
		w.PriceStd = 0
		w.ArrivalMeanUs = 0
		w.ArrivalVarUs = 0
		return
	}

	prices := make([]float64, len(w.trades))
	gaps := make([]float64, 0, len(w.trades)-1)
	for i, t := range w.trades {
		prices[i] = t.Price
		if i > 0 {
			gaps = append(gaps, float64(t.EventTsUs-w.trades[i-1].EventTsUs))
		}
	}

	_, variance := stat.MeanVariance(prices, nil)
	if variance > 0 {
		w.PriceStd = math.Sqrt(variance)
	} else {
		w.PriceStd = 0
	}

	gapMean, gapVar := stat.MeanVariance(gaps, nil)
	w.ArrivalMeanUs = gapMean
	w.ArrivalVarUs = gapVar
}

// TradeIntensity returns count/width_seconds, the trade intensity feature.
func (w *TradeWindow) TradeIntensity() float64 {
	widthSeconds := float64(w.Width) / 1e6
	if widthSeconds <= 0 {
		return 0
	}
	return float64(w.Count) / widthSeconds
}

// AverageTradeSize returns volume/count, or 0 when the window is empty.
func (w *TradeWindow) AverageTradeSize() float64 {
	if w.Count == 0 {
		return 0
	}
	return w.Volume / float64(w.Count)
}

