package marketdata

import "math"

// FeatureVector is the fixed-shape tuple of model inputs derived from OB,
// TS_1s, TS_5s and time-of-day encodings (spec §3, "Feature Vector (FV)").
// Fields that can be genuinely missing (no trades yet observed, insufficient
// price history for a return horizon) carry a paired *Missing bool rather
// than a NaN sentinel, per spec §3's "never surfaced as NaN/∞" rule for the
// empty-window case — generalized here to every optional FV field.
type FeatureVector struct {
	Price float64
	Mid   float64

	Return1sMissing  bool
	Return1s         float64
	Return5sMissing  bool
	Return5s         float64
	Return10sMissing bool
	Return10s        float64

	Volume1s      float64
	Volume5s      float64
	Imbalance1s   float64
	Imbalance5s   float64
	SpreadBp      float64
	BookImbalance float64
	BidStrength   float64
	AskStrength   float64

	TradeIntensity1s float64
	TradeIntensity5s float64
	AvgTradeSize1s   float64
	AvgTradeSize5s   float64

	VWAPDev1sMissing bool
	VWAPDev1s        float64
	VWAPDev5sMissing bool
	VWAPDev5s        float64

	Volatility float64
	Momentum   float64

	HourSin float64
	HourCos float64
	Session string // "asia", "europe", "us", "off"

	// Engineered interaction terms.
	SpreadTimesImbalance float64
	MomentumTimesVolume  float64

	Completeness float64
	DataAgeMs    int64
	TsUs         int64
}

// totalFeatureCount is the size of the full fixed-shape FV tuple (spec §3:
// "completeness ratio equals (non-missing features)/(total features)") —
// every field AllFinite checks except Completeness, i.e. all of FV except
// the bookkeeping fields (Completeness, DataAgeMs, TsUs, Session) that are
// not model inputs.
const totalFeatureCount = 25

// missingCount counts how many FV fields are currently missing actual data.
//
// The three return horizons are deliberately excluded: for roughly the
// first window width after (re)anchoring they are structurally unavailable
// (no mid sample old enough yet) regardless of whether the stream is
// healthy, so counting them would report persistent sub-1.0 completeness
// on a fully caught-up book with a fresh trade tape. VWAP deviation is
// genuinely missing whenever no trade has landed in that window yet, which
// is the kind of gap the completeness ratio is meant to surface.
func (fv *FeatureVector) missingCount() int {
	missing := 0
	for _, m := range []bool{fv.VWAPDev1sMissing, fv.VWAPDev5sMissing} {
		if m {
			missing++
		}
	}
	return missing
}

// RecomputeCompleteness sets Completeness = 1 - missing/total.
func (fv *FeatureVector) RecomputeCompleteness() {
	fv.Completeness = 1 - float64(fv.missingCount())/float64(totalFeatureCount)
}

// AllFinite reports whether every numeric field is finite, per the FV
// invariant in spec §3 ("all numeric fields finite"). Missing optional
// fields are held at 0, not NaN, so this is a straightforward finiteness
// sweep over every field regardless of its Missing flag.
func (fv *FeatureVector) AllFinite() bool {
	values := []float64{
		fv.Price, fv.Mid, fv.Return1s, fv.Return5s, fv.Return10s,
		fv.Volume1s, fv.Volume5s, fv.Imbalance1s, fv.Imbalance5s,
		fv.SpreadBp, fv.BookImbalance, fv.BidStrength, fv.AskStrength,
		fv.TradeIntensity1s, fv.TradeIntensity5s, fv.AvgTradeSize1s, fv.AvgTradeSize5s,
		fv.VWAPDev1s, fv.VWAPDev5s, fv.Volatility, fv.Momentum,
		fv.HourSin, fv.HourCos, fv.SpreadTimesImbalance, fv.MomentumTimesVolume,
		fv.Completeness,
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
