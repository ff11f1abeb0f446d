package reanchor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/errkind"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/marketdata"
	"github.com/aristath/hotpath/internal/snapshotsource"
)

// committer is the subset of *aggregator.Aggregator the coordinator needs.
// Declared as an interface here, rather than importing the aggregator
// package directly, to keep reanchor and aggregator independent of one
// another (aggregator never needs to know about re-anchor internals).
type committer interface {
	OnReanchorCommitted(b *marketdata.Bundle)
}

// Coordinator is the ReAnchorCoordinator (spec §4.3): it subscribes to
// DiscontinuityDetected events and, subject to cooldown, drives the
// six-phase rebuild-and-substitute procedure.
type Coordinator struct {
	cfg        *config.Config
	store      *hotstate.Store
	source     snapshotsource.Source
	cache      *snapshotsource.WarmStartCache // optional, may be nil
	bus        *events.Bus
	aggregator committer
	log        zerolog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
	lastSuccessAt       time.Time

	unsubscribe func()
}

// New builds a Coordinator. cache may be nil to disable the local
// warm-start fallback.
func New(
	cfg *config.Config,
	store *hotstate.Store,
	source snapshotsource.Source,
	cache *snapshotsource.WarmStartCache,
	bus *events.Bus,
	aggregator committer,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		source:     source,
		cache:      cache,
		bus:        bus,
		aggregator: aggregator,
		log:        log.With().Str("component", "reanchor_coordinator").Logger(),
	}
}

// Start subscribes to discontinuity events. Call Stop to unsubscribe.
func (c *Coordinator) Start() {
	c.unsubscribe = c.bus.Subscribe(events.DiscontinuityDetected, c.onDiscontinuity)
}

// Stop unsubscribes from the bus. It does not cancel an in-flight attempt.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Degraded reports whether the coordinator is currently in the DEGRADED
// state (spec §4.3: "after max_attempts consecutive failures").
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Coordinator) onDiscontinuity(e *events.Event) {
	data, ok := e.Data.(*events.DiscontinuityData)
	if !ok {
		return
	}

	c.mu.Lock()
	inCooldown := !c.lastSuccessAt.IsZero() && time.Since(c.lastSuccessAt) < c.cfg.RecoveryCooldown
	c.mu.Unlock()

	if inCooldown {
		c.log.Debug().Str("rule", data.Rule).Msg("discontinuity suppressed by recovery cooldown")
		return
	}

	go c.attemptWithRetries(data.Rule)
}

type attemptResult int

const (
	resultSuccess attemptResult = iota
	resultBusy
	resultFailed
)

// attemptWithRetries runs the six-phase procedure, retrying with
// exponential backoff up to ReanchorMaxAttempts (spec §4.3).
func (c *Coordinator) attemptWithRetries(reason string) {
	backoff := c.cfg.ReanchorBackoffInitial
	if backoff <= 0 {
		backoff = time.Second
	}

	maxAttempts := maxInt(c.cfg.ReanchorMaxAttempts, 1)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.bus.Emit("reanchor_coordinator", &events.ReanchorAttemptData{
			Kind: events.ReanchorStarted, Attempt: attempt, Reason: reason,
		})

		result := c.attemptOnce(reason, attempt)
		switch result {
		case resultSuccess:
			return
		case resultBusy:
			// Another attempt is already in flight; abort, not an error
			// (spec §4.3 phase 1).
			return
		case resultFailed:
			if attempt == maxAttempts {
				c.onExhausted(reason)
				return
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > c.cfg.ReanchorBackoffMax {
				backoff = c.cfg.ReanchorBackoffMax
			}
		}
	}
}

func (c *Coordinator) attemptOnce(reason string, attempt int) attemptResult {
	token, ok := c.store.TryBeginReanchor(c.cfg.ReanchorTotalDeadline)
	if !ok {
		c.log.Debug().Msg("reanchor lease busy, another attempt in flight")
		return resultBusy
	}

	c.mu.Lock()
	inCooldown := !c.lastSuccessAt.IsZero() && time.Since(c.lastSuccessAt) < c.cfg.RecoveryCooldown
	c.mu.Unlock()
	if inCooldown {
		c.store.EndReanchor(token)
		return resultBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReanchorTotalDeadline)
	defer cancel()

	snapshot, trades, err := c.fetchSnapshot(ctx)
	if err != nil {
		c.store.EndReanchor(token)
		c.recordFailure(reason, attempt, err)
		return resultFailed
	}

	prev, _ := c.store.GetRevision()
	shadow := c.buildShadow(snapshot, trades)

	if err := validateShadow(shadow, prevMid(prev), c.cfg.SanityPriceDevPct); err != nil {
		c.store.EndReanchor(token)
		c.recordFailure(reason, attempt, err)
		return resultFailed
	}

	rev, err := c.store.Substitute(token, shadow)
	if err != nil {
		c.store.EndReanchor(token)
		c.recordFailure(reason, attempt, err)
		return resultFailed
	}

	// Start the cooldown before releasing the lease so that a detection
	// arriving after this commit does not start a second rebuild.
	c.mu.Lock()
	c.lastSuccessAt = time.Now()
	c.mu.Unlock()
	c.aggregator.OnReanchorCommitted(shadow)
	c.onSuccess(reason, rev)
	c.store.EndReanchor(token)
	return resultSuccess
}

// fetchSnapshot requests a fresh depth snapshot and recent trades from the
// live source, saves it to the warm-start cache on success, and falls back
// to the cache only if the live source is unavailable.
func (c *Coordinator) fetchSnapshot(ctx context.Context) (*snapshotsource.DepthSnapshot, []snapshotsource.Trade, error) {
	snapshot, err := c.source.DepthSnapshot(ctx, c.cfg.Symbol)
	if err == nil {
		fromTsUs := snapshot.ServerTsUs - 10_000_000
		trades, tErr := c.source.RecentTrades(ctx, c.cfg.Symbol, fromTsUs)
		if tErr == nil {
			if c.cache != nil {
				_ = c.cache.Save(c.cfg.Symbol, snapshot, trades)
			}
			return snapshot, trades, nil
		}
		err = tErr
	}

	if c.cache != nil {
		if cachedSnap, cachedTrades, ok := c.cache.Load(c.cfg.Symbol); ok {
			c.log.Warn().Err(err).Msg("live snapshot source unavailable, using warm-start cache")
			return cachedSnap, cachedTrades, nil
		}
	}

	return nil, nil, errkind.Wrap(errkind.SnapshotFailure, "snapshot fetch failed with no usable warm-start cache", err)
}

// buildShadow constructs a candidate bundle from fetched data using the
// same construction rules as the Aggregator, applied in batch (spec §4.3
// phase 3).
func (c *Coordinator) buildShadow(snapshot *snapshotsource.DepthSnapshot, trades []snapshotsource.Trade) *marketdata.Bundle {
	windowWidthsUs := make([]int64, len(c.cfg.RollingWindows))
	for i, w := range c.cfg.RollingWindows {
		windowWidthsUs[i] = w.Microseconds()
	}
	shadow := marketdata.NewBundle(windowWidthsUs)

	for _, b := range snapshot.Bids {
		shadow.OB.Bids = append(shadow.OB.Bids, marketdata.PriceLevel{Price: b.Price, Size: b.Size})
	}
	for _, a := range snapshot.Asks {
		shadow.OB.Asks = append(shadow.OB.Asks, marketdata.PriceLevel{Price: a.Price, Size: a.Size})
	}
	top := &marketdata.BestBidAskEvent{}
	if len(shadow.OB.Bids) > 0 {
		top.BidPx, top.BidSz = shadow.OB.Bids[0].Price, shadow.OB.Bids[0].Size
	}
	if len(shadow.OB.Asks) > 0 {
		top.AskPx, top.AskSz = shadow.OB.Asks[0].Price, shadow.OB.Asks[0].Size
	}
	shadow.OB.ApplyBestBidAsk(top, snapshot.ServerTsUs)
	shadow.OB.LastUpdateID = snapshot.UpdateID

	mid := shadow.OB.WeightedMid
	windowEnd := snapshot.ServerTsUs
	for _, t := range trades {
		if t.EventTsUs > windowEnd {
			windowEnd = t.EventTsUs
		}
	}

	for _, t := range trades {
		record := marketdata.TradeRecord{EventTsUs: t.EventTsUs, Price: t.Price, Size: t.Size, BuyerIsMaker: t.BuyerIsMaker}
		shadow.TS1s.Ingest(windowEnd, &record, mid)
		shadow.TS5s.Ingest(windowEnd, &record, mid)
		shadow.OB.LastTradePrice = t.Price
	}
	if len(trades) == 0 {
		shadow.TS1s.Ingest(windowEnd, nil, mid)
		shadow.TS5s.Ingest(windowEnd, nil, mid)
	}

	shadow.OB.TsUs = windowEnd
	shadow.LastEventTsUs = windowEnd
	shadow.FV.TsUs = windowEnd
	shadow.FV.Price = shadow.OB.LastTradePrice
	shadow.FV.Mid = mid
	shadow.FV.SpreadBp = shadow.OB.SpreadBp
	shadow.FV.BookImbalance = shadow.OB.Imbalance
	shadow.FV.Return1sMissing = true
	shadow.FV.Return5sMissing = true
	shadow.FV.Return10sMissing = true
	shadow.FV.VWAPDev1sMissing = shadow.TS1s.VWAPMidDevEmpty
	shadow.FV.VWAPDev5sMissing = shadow.TS5s.VWAPMidDevEmpty
	shadow.FV.RecomputeCompleteness()

	return shadow
}

// validateShadow checks the invariants and sanity bounds of spec §4.3
// phase 4.
func validateShadow(shadow *marketdata.Bundle, lastKnownMid float64, relativeDeviation float64) error {
	ob := shadow.OB
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return errkind.New(errkind.SnapshotInvalid, "shadow book has an empty side")
	}
	if !ob.Valid() {
		return errkind.New(errkind.SnapshotInvalid, "shadow book fails OB invariants")
	}
	if lastKnownMid > 0 {
		mid := ob.Mid()
		deviation := math.Abs(mid-lastKnownMid) / lastKnownMid
		if deviation > relativeDeviation {
			return errkind.New(errkind.SnapshotInvalid, "shadow mid deviates beyond sanity_price_deviation from last known mid")
		}
	}
	if !shadow.FV.AllFinite() {
		return errkind.New(errkind.SnapshotInvalid, "shadow feature vector has a non-finite field")
	}
	return nil
}

func prevMid(b *marketdata.Bundle) float64 {
	if b == nil || b.OB == nil {
		return 0
	}
	return b.OB.Mid()
}

func (c *Coordinator) recordFailure(reason string, attempt int, err error) {
	c.mu.Lock()
	c.consecutiveFailures++
	count := c.consecutiveFailures
	c.mu.Unlock()

	c.log.Warn().Err(err).Str("reason", reason).Int("attempt", attempt).Msg("reanchor attempt failed")
	c.bus.Emit("reanchor_coordinator", &events.ReanchorAttemptData{
		Kind: events.ReanchorFailed, Attempt: attempt, Reason: reason, Err: err.Error(),
	})

	if count >= c.cfg.ReanchorMaxAttempts {
		c.mu.Lock()
		wasDegraded := c.degraded
		c.degraded = true
		c.mu.Unlock()
		if !wasDegraded {
			c.bus.Emit("reanchor_coordinator", &events.ReanchorAttemptData{Kind: events.ReanchorDegraded, Attempt: attempt, Reason: reason})
		}
	}
}

func (c *Coordinator) onExhausted(reason string) {
	c.log.Error().Str("reason", reason).Msg("reanchor attempts exhausted, entering DEGRADED")
}

func (c *Coordinator) onSuccess(reason string, rev uint64) {
	c.mu.Lock()
	wasDegraded := c.degraded
	c.consecutiveFailures = 0
	c.degraded = false
	c.lastSuccessAt = time.Now()
	c.mu.Unlock()

	c.bus.Emit("reanchor_coordinator", &events.ReanchorAttemptData{Kind: events.ReanchorCommitted, Reason: reason, NewRevision: rev})
	if wasDegraded {
		c.bus.Emit("reanchor_coordinator", &events.ReanchorAttemptData{Kind: events.ReanchorRecovered, Reason: reason, NewRevision: rev})
	}
	c.log.Info().Str("reason", reason).Uint64("revision", rev).Msg("reanchor committed")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
