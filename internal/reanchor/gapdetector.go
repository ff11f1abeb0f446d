// Package reanchor implements the GapDetector and ReAnchorCoordinator
// (spec §4.3): continuous evaluation of the event stream for ordering or
// freshness violations, and the six-phase rebuild-and-substitute procedure
// that recovers from them.
package reanchor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/marketdata"
)

// GapDetector emits a DiscontinuityDetected event for each violation of four
// of the five discontinuity rules of spec §4.3: sequence gap and price jump,
// evaluated on every event by Observe, and silence and connection loss,
// evaluated periodically by Run. The depth-gap rule is emitted by the
// Aggregator. The detector does not consult the recovery cooldown: every
// firing is logged and emitted, and the ReAnchorCoordinator ignores firings
// that arrive during cooldown without counting them.
type GapDetector struct {
	cfg *config.Config
	bus *events.Bus
	log zerolog.Logger

	mu                 sync.Mutex
	lastSeqID          uint64
	haveLastSeqID      bool
	lastTradePrice     float64
	haveLastTradePrice bool
	lastEventWall      time.Time
	connected          bool
	disconnectedSince  time.Time
}

// NewGapDetector builds a GapDetector reporting onto bus.
func NewGapDetector(cfg *config.Config, bus *events.Bus, log zerolog.Logger) *GapDetector {
	return &GapDetector{
		cfg:       cfg,
		bus:       bus,
		log:       log.With().Str("component", "gap_detector").Logger(),
		connected: true,
	}
}

// Observe evaluates one event for the sequence-gap and price-jump rules.
// It is called for every event the Aggregator also ingests.
func (g *GapDetector) Observe(ev *marketdata.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastEventWall = time.Now()

	if g.haveLastSeqID && ev.SeqID > g.lastSeqID+uint64(g.cfg.SequenceGapK) {
		g.emitLocked("sequence_gap", "high", "event.seq_id exceeds last_seq_id + k")
	}
	g.lastSeqID = ev.SeqID
	g.haveLastSeqID = true

	if ev.Kind == marketdata.EventKindTrade && ev.Trade != nil {
		price := ev.Trade.Price
		if g.haveLastTradePrice && g.lastTradePrice > 0 {
			change := math.Abs(price-g.lastTradePrice) / g.lastTradePrice
			if change > g.cfg.PriceJumpPct {
				g.emitLocked("price_jump", "high", "|price_change| exceeds configured threshold")
			}
		}
		g.lastTradePrice = price
		g.haveLastTradePrice = true
	}
}

// NotifyConnectionStatus is called by the feed layer whenever the
// transport connects or disconnects.
func (g *GapDetector) NotifyConnectionStatus(connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if connected {
		g.connected = true
		g.disconnectedSince = time.Time{}
		return
	}
	if g.connected {
		g.connected = false
		g.disconnectedSince = time.Now()
	}
}

// Run drives the coarse periodic checks (silence, connection loss) until
// ctx is canceled.
func (g *GapDetector) Run(ctx context.Context) {
	interval := g.cfg.SilenceTimeout / 5
	if interval <= 0 {
		interval = time.Second
	}
	if interval > time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkCoarse()
		}
	}
}

func (g *GapDetector) checkCoarse() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if !g.lastEventWall.IsZero() && now.Sub(g.lastEventWall) > g.cfg.SilenceTimeout {
		g.emitLocked("silence", "medium", "no event observed within silence_timeout")
	}
	if !g.connected && !g.disconnectedSince.IsZero() && now.Sub(g.disconnectedSince) > g.cfg.ConnectionLoss {
		g.emitLocked("connection_loss", "critical", "transport disconnected beyond connection_loss_ms")
	}
}

func (g *GapDetector) emitLocked(rule, severity, detail string) {
	g.log.Info().Str("rule", rule).Str("severity", severity).Msg("discontinuity detected")
	g.bus.Emit("gap_detector", &events.DiscontinuityData{Rule: rule, Severity: severity, Detail: detail})
}
