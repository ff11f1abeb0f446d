// Package aggregator implements the Aggregator (spec §4.2): the
// single-writer consumer that maintains OB, TS_1s, TS_5s and FV in
// HotState from an ordered stream of trade/best-bid-ask/depth-diff events.
package aggregator

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/errkind"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/marketdata"
)

// momentumHistoryLen bounds the mid-price ring buffer consulted for return
// horizons and go-talib momentum enrichment. 10s of history at a
// conservative one-sample-per-trade-or-bba cadence comfortably covers the
// longest return horizon (10s) used by the feature vector.
const momentumHistoryLen = 512

type midSample struct {
	tsUs int64
	mid  float64
}

// Aggregator is the sole mutator of hotstate.Store during steady operation.
type Aggregator struct {
	store *hotstate.Store
	bus   *events.Bus
	log   zerolog.Logger

	windowWidthsUs       []int64
	featureInterval      time.Duration
	featureMoveThreshold float64

	nowAggregatorUs int64
	lastSeqID       uint64
	haveLastSeqID   bool

	lastFeatureRecomputeWall time.Time
	lastFeatureBestBid       float64
	lastFeatureBestAsk       float64

	history []midSample

	malformedCount uint64
}

// New builds an Aggregator writing into store and emitting discontinuity
// hints onto bus.
func New(cfg *config.Config, store *hotstate.Store, bus *events.Bus, log zerolog.Logger) *Aggregator {
	windowWidthsUs := make([]int64, len(cfg.RollingWindows))
	for i, w := range cfg.RollingWindows {
		windowWidthsUs[i] = w.Microseconds()
	}
	return &Aggregator{
		store:                store,
		bus:                  bus,
		log:                  log.With().Str("component", "aggregator").Logger(),
		windowWidthsUs:       windowWidthsUs,
		featureInterval:      cfg.FeatureInterval,
		featureMoveThreshold: cfg.FeatureMoveThreshold,
	}
}

// MalformedCount returns the running count of dropped malformed events.
func (a *Aggregator) MalformedCount() uint64 { return a.malformedCount }

// Ingest processes one event. A malformed event is counted and dropped
// without mutating state (spec §4.2, "Failure semantics"); it is never
// returned as an error to the caller, since the Aggregator is a pure
// in-memory transformer that never retries or propagates upward.
func (a *Aggregator) Ingest(ev *marketdata.Event) {
	if err := validate(ev); err != nil {
		a.malformedCount++
		a.log.Warn().Err(err).Msg("dropping malformed event")
		return
	}

	if ev.EventTsUs > a.nowAggregatorUs {
		a.nowAggregatorUs = ev.EventTsUs
	}

	switch ev.Kind {
	case marketdata.EventKindTrade:
		a.ingestTrade(ev)
	case marketdata.EventKindBestBidAsk:
		a.ingestBestBidAsk(ev)
	case marketdata.EventKindDepthDiff:
		a.ingestDepthDiff(ev)
	}

	a.trackSeqID(ev.SeqID)
}

func validate(ev *marketdata.Event) error {
	switch ev.Kind {
	case marketdata.EventKindTrade:
		t := ev.Trade
		if t == nil {
			return errkind.New(errkind.MalformedEvent, "trade event missing payload")
		}
		if !finite(t.Price) || !finite(t.Size) || t.Price <= 0 || t.Size < 0 {
			return errkind.New(errkind.MalformedEvent, "trade event has non-finite or invalid price/size")
		}
	case marketdata.EventKindBestBidAsk:
		b := ev.BestBidAsk
		if b == nil {
			return errkind.New(errkind.MalformedEvent, "best_bid_ask event missing payload")
		}
		if !finite(b.BidPx) || !finite(b.AskPx) || !finite(b.BidSz) || !finite(b.AskSz) {
			return errkind.New(errkind.MalformedEvent, "best_bid_ask event has non-finite field")
		}
		if b.BidSz < 0 || b.AskSz < 0 {
			return errkind.New(errkind.MalformedEvent, "best_bid_ask event has negative size")
		}
	case marketdata.EventKindDepthDiff:
		d := ev.DepthDiff
		if d == nil {
			return errkind.New(errkind.MalformedEvent, "depth_diff event missing payload")
		}
		if d.FinalUpdateID < d.FirstUpdateID {
			return errkind.New(errkind.MalformedEvent, "depth_diff has final_update_id < first_update_id")
		}
	default:
		return errkind.New(errkind.MalformedEvent, "unknown event kind")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (a *Aggregator) trackSeqID(seqID uint64) {
	a.lastSeqID = seqID
	a.haveLastSeqID = true
}

func (a *Aggregator) ingestTrade(ev *marketdata.Event) {
	t := ev.Trade
	record := marketdata.TradeRecord{
		EventTsUs:    ev.EventTsUs,
		Price:        t.Price,
		Size:         t.Size,
		BuyerIsMaker: t.BuyerIsMaker,
	}

	a.store.ApplyWriterDelta(a.windowWidthsUs, func(b *marketdata.Bundle) {
		b.OB.LastTradePrice = t.Price
		mid := b.OB.WeightedMid
		b.TS1s.Ingest(a.nowAggregatorUs, &record, mid)
		b.TS5s.Ingest(a.nowAggregatorUs, &record, mid)
		b.LastSeqID = ev.SeqID
		b.LastEventTsUs = ev.EventTsUs
	})

	a.recordMidSample(ev.EventTsUs)
	a.maybeRecomputeFeatures("trade")
}

func (a *Aggregator) ingestBestBidAsk(ev *marketdata.Event) {
	e := ev.BestBidAsk

	var prevBid, prevAsk float64
	a.store.ApplyWriterDelta(a.windowWidthsUs, func(b *marketdata.Bundle) {
		prevBid, prevAsk = b.OB.BestBidPx, b.OB.BestAskPx
		b.OB.ApplyBestBidAsk(e, ev.EventTsUs)
		mid := b.OB.WeightedMid
		b.TS1s.Ingest(a.nowAggregatorUs, nil, mid)
		b.TS5s.Ingest(a.nowAggregatorUs, nil, mid)
		b.LastSeqID = ev.SeqID
		b.LastEventTsUs = ev.EventTsUs
	})

	a.recordMidSample(ev.EventTsUs)

	moved := math.Abs(e.BidPx-prevBid) > a.featureMoveThreshold*prevBid ||
		math.Abs(e.AskPx-prevAsk) > a.featureMoveThreshold*prevAsk
	if moved {
		a.maybeRecomputeFeatures("price_move")
	} else {
		a.maybeRecomputeFeatures("interval")
	}
}

func (a *Aggregator) ingestDepthDiff(ev *marketdata.Event) {
	d := ev.DepthDiff

	current, err := a.store.GetRevision()
	if err == nil && d.FirstUpdateID <= current.OB.LastUpdateID {
		// Idempotence against replays: already applied, ignore (spec §4.2).
		return
	}
	if err == nil && d.FirstUpdateID > current.OB.LastUpdateID+1 {
		a.bus.Emit("aggregator", &events.DiscontinuityData{
			Rule:     "depth_gap",
			Severity: "high",
			Detail:   "depth_diff.first_update_id > OB.last_update_id + 1",
		})
	}

	a.store.ApplyWriterDelta(a.windowWidthsUs, func(b *marketdata.Bundle) {
		b.OB.ApplyDepthDiff(d, ev.EventTsUs)
		b.LastSeqID = ev.SeqID
		b.LastUpdateID = d.FinalUpdateID
		b.LastEventTsUs = ev.EventTsUs
	})

	a.maybeRecomputeFeatures("depth_diff")
}

// OnReanchorCommitted resets internal tracking from the substituted bundle
// (spec §4.3, phase 5: "the Aggregator must set its internal last_seq_id
// and OB.last_update_id from the substituted OB to avoid re-triggering
// detection") and forces an immediate feature recompute (recompute reason
// (c) in spec §4.2).
func (a *Aggregator) OnReanchorCommitted(b *marketdata.Bundle) {
	a.lastSeqID = b.LastSeqID
	a.haveLastSeqID = true
	a.nowAggregatorUs = b.LastEventTsUs
	a.history = a.history[:0]
	a.recordMidSample(b.LastEventTsUs)
	a.recomputeFeaturesNow("reanchor")
}

func (a *Aggregator) recordMidSample(tsUs int64) {
	b, err := a.store.GetRevision()
	if err != nil {
		return
	}
	mid := b.OB.WeightedMid
	if mid <= 0 {
		return
	}
	a.history = append(a.history, midSample{tsUs: tsUs, mid: mid})
	if len(a.history) > momentumHistoryLen {
		a.history = a.history[len(a.history)-momentumHistoryLen:]
	}
}

func (a *Aggregator) maybeRecomputeFeatures(reason string) {
	now := time.Now()
	if now.Sub(a.lastFeatureRecomputeWall) >= a.featureInterval {
		a.recomputeFeaturesNow(reason)
		return
	}
	if reason == "price_move" {
		a.recomputeFeaturesNow(reason)
	}
}

// returnOver looks up the mid sample at or just before (nowUs - horizonUs)
// and returns (return, ok). ok is false when no sample old enough exists.
func (a *Aggregator) returnOver(nowMid float64, nowUs int64, horizonUs int64) (float64, bool) {
	targetUs := nowUs - horizonUs
	var best *midSample
	for i := len(a.history) - 1; i >= 0; i-- {
		if a.history[i].tsUs <= targetUs {
			best = &a.history[i]
			break
		}
	}
	if best == nil || best.mid <= 0 {
		return 0, false
	}
	return (nowMid - best.mid) / best.mid, true
}

func (a *Aggregator) recomputeFeaturesNow(reason string) {
	a.lastFeatureRecomputeWall = time.Now()

	a.store.ApplyWriterDelta(a.windowWidthsUs, func(b *marketdata.Bundle) {
		a.computeFeatureVector(b)
	})

	if b, err := a.store.GetRevision(); err == nil {
		a.lastFeatureBestBid = b.OB.BestBidPx
		a.lastFeatureBestAsk = b.OB.BestAskPx
	}
	a.log.Debug().Str("reason", reason).Msg("recomputed feature vector")
}

// computeFeatureVector fills b.FV from b.OB and b.TS1s/TS5s. It is pure: it
// only reads already-published OB/TS fields plus the mid-price history this
// Aggregator instance maintains (spec §4.2, "Recomputation is pure").
func (a *Aggregator) computeFeatureVector(b *marketdata.Bundle) {
	fv := &b.FV
	ob := b.OB
	mid := ob.WeightedMid
	now := time.Now()

	fv.Price = ob.LastTradePrice
	fv.Mid = mid
	fv.TsUs = a.nowAggregatorUs

	if r, ok := a.returnOver(mid, a.nowAggregatorUs, 1_000_000); ok {
		fv.Return1sMissing, fv.Return1s = false, r
	} else {
		fv.Return1sMissing, fv.Return1s = true, 0
	}
	if r, ok := a.returnOver(mid, a.nowAggregatorUs, 5_000_000); ok {
		fv.Return5sMissing, fv.Return5s = false, r
	} else {
		fv.Return5sMissing, fv.Return5s = true, 0
	}
	if r, ok := a.returnOver(mid, a.nowAggregatorUs, 10_000_000); ok {
		fv.Return10sMissing, fv.Return10s = false, r
	} else {
		fv.Return10sMissing, fv.Return10s = true, 0
	}

	fv.Volume1s = b.TS1s.Volume
	fv.Volume5s = b.TS5s.Volume
	fv.TradeIntensity1s = b.TS1s.TradeIntensity()
	fv.TradeIntensity5s = b.TS5s.TradeIntensity()
	fv.AvgTradeSize1s = b.TS1s.AverageTradeSize()
	fv.AvgTradeSize5s = b.TS5s.AverageTradeSize()

	if b.TS1s.Volume > 0 {
		fv.Imbalance1s = b.TS1s.SignedVolume / b.TS1s.Volume
	} else {
		fv.Imbalance1s = 0
	}
	if b.TS5s.Volume > 0 {
		fv.Imbalance5s = b.TS5s.SignedVolume / b.TS5s.Volume
	} else {
		fv.Imbalance5s = 0
	}

	fv.VWAPDev1sMissing = b.TS1s.VWAPMidDevEmpty
	fv.VWAPDev1s = b.TS1s.VWAPMidDev
	fv.VWAPDev5sMissing = b.TS5s.VWAPMidDevEmpty
	fv.VWAPDev5s = b.TS5s.VWAPMidDev

	fv.SpreadBp = ob.SpreadBp
	fv.BookImbalance = ob.Imbalance
	if ob.BidValueSum+ob.AskValueSum > 0 {
		fv.BidStrength = ob.BidValueSum / (ob.BidValueSum + ob.AskValueSum)
		fv.AskStrength = ob.AskValueSum / (ob.BidValueSum + ob.AskValueSum)
	}

	if mid > 0 {
		fv.Volatility = b.TS5s.PriceStd / mid
	}
	fv.Momentum = a.momentum()

	fv.HourSin, fv.HourCos, fv.Session = timeOfDayFeatures(now)

	fv.SpreadTimesImbalance = fv.SpreadBp * fv.BookImbalance
	fv.MomentumTimesVolume = fv.Momentum * fv.Volume1s

	lastDataUs := ob.TsUs
	if b.TS1s.WindowEndTsUs > lastDataUs {
		lastDataUs = b.TS1s.WindowEndTsUs
	}
	fv.DataAgeMs = now.UnixMilli() - lastDataUs/1000

	fv.RecomputeCompleteness()
}

// momentum applies go-talib's momentum indicator to the retained mid-price
// history, a lightweight technical-analysis enrichment layered on top of
// the mandatory Welford/gonum-derived statistics (not a replacement for
// them — see stats.go).
func (a *Aggregator) momentum() float64 {
	const period = 10
	if len(a.history) <= period {
		return 0
	}
	series := make([]float64, len(a.history))
	for i, s := range a.history {
		series[i] = s.mid
	}
	mom := talib.Mom(series, period)
	if len(mom) == 0 {
		return 0
	}
	v := mom[len(mom)-1]
	if !finite(v) {
		return 0
	}
	return v
}

func timeOfDayFeatures(now time.Time) (sin, cos float64, session string) {
	hour := float64(now.UTC().Hour()) + float64(now.UTC().Minute())/60
	angle := 2 * math.Pi * hour / 24
	sin, cos = math.Sin(angle), math.Cos(angle)

	h := now.UTC().Hour()
	switch {
	case h >= 0 && h < 8:
		session = "asia"
	case h >= 8 && h < 13:
		session = "europe"
	case h >= 13 && h < 21:
		session = "us"
	default:
		session = "off"
	}
	return sin, cos, session
}
