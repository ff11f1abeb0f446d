package ops

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/hotpath/internal/hotstate"
)

// DegradedChecker reports whether a component is running in a degraded
// mode the operator should know about. *reanchor.Coordinator satisfies
// this structurally.
type DegradedChecker interface {
	Degraded() bool
}

// MalformedCounter reports how many malformed events have been dropped.
// *aggregator.Aggregator satisfies this structurally.
type MalformedCounter interface {
	MalformedCount() uint64
}

// Snapshot is a point-in-time process health sample.
type Snapshot struct {
	TakenAtUnixMs       int64
	Goroutines          int
	RSSBytes            uint64
	CPUPercent          float64
	HotStateState       string
	HotStateRevision    uint64
	ReanchorDegraded    bool
	MalformedEventCount uint64
}

// Reporter samples process and pipeline health on a schedule and keeps the
// most recent Snapshot available for the HTTP health surface.
type Reporter struct {
	store      *hotstate.Store
	reanchor   DegradedChecker
	aggregator MalformedCounter
	log        zerolog.Logger

	proc   *process.Process
	latest atomic.Pointer[Snapshot]
}

// NewReporter builds a Reporter. reanchor and aggregator may be nil in
// tests; a nil value simply reports its field as zero.
func NewReporter(store *hotstate.Store, reanchor DegradedChecker, aggregator MalformedCounter, log zerolog.Logger) *Reporter {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("ops: could not attach gopsutil process handle")
	}
	return &Reporter{
		store:      store,
		reanchor:   reanchor,
		aggregator: aggregator,
		log:        log.With().Str("component", "ops_reporter").Logger(),
		proc:       proc,
	}
}

// Name implements Job.
func (r *Reporter) Name() string { return "health_report" }

// Run samples the process and pipeline and logs a structured summary. It
// never returns an error on its own account: a sampling failure degrades
// that one field to its zero value rather than failing the whole report.
func (r *Reporter) Run() error {
	snap := &Snapshot{
		TakenAtUnixMs: time.Now().UnixMilli(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		r.log.Warn().Err(err).Msg("cpu sample failed")
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err != nil {
			r.log.Warn().Err(err).Msg("rss sample failed")
		} else if mem != nil {
			snap.RSSBytes = mem.RSS
		}
	}

	if r.store != nil {
		snap.HotStateState = r.store.State().String()
		if b, err := r.store.GetRevision(); err == nil {
			snap.HotStateRevision = b.Revision
		}
	}
	if r.reanchor != nil {
		snap.ReanchorDegraded = r.reanchor.Degraded()
	}
	if r.aggregator != nil {
		snap.MalformedEventCount = r.aggregator.MalformedCount()
	}

	r.latest.Store(snap)

	r.log.Info().
		Int("goroutines", snap.Goroutines).
		Uint64("rss_bytes", snap.RSSBytes).
		Float64("cpu_percent", snap.CPUPercent).
		Str("hotstate_state", snap.HotStateState).
		Uint64("hotstate_revision", snap.HotStateRevision).
		Bool("reanchor_degraded", snap.ReanchorDegraded).
		Uint64("malformed_event_count", snap.MalformedEventCount).
		Msg("health report")

	return nil
}

// Latest returns the most recent Snapshot, or nil if Run has never
// executed.
func (r *Reporter) Latest() *Snapshot {
	return r.latest.Load()
}
