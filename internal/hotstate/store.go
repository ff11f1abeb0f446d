// Package hotstate implements HotState (spec §4.1): the single shared,
// process-local structure between the Aggregator, the ReAnchorCoordinator
// and InferenceTick. It is built around a revision-indirection pointer —
// an atomic.Pointer swap is the atomic substitution the spec calls for —
// plus a mutual-exclusion lease for re-anchor (spec §9, "model it as a
// process-local structure ... the pointer swap is the atomic
// substitution").
package hotstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/errkind"
	"github.com/aristath/hotpath/internal/marketdata"
)

// State is the per-symbol HotState lifecycle (spec §4.1, "State machine").
type State int

const (
	Uninitialized State = iota
	Steady
	ReanchorInProgress
)

func (s State) String() string {
	switch s {
	case Steady:
		return "steady"
	case ReanchorInProgress:
		return "reanchor_in_progress"
	default:
		return "uninitialized"
	}
}

// Store is HotState for one symbol. Writer-side field-granular mutations go
// through a clone-mutate-swap path: the current bundle is cloned, the
// mutation is applied to the clone, and the clone is published with a single
// atomic pointer store. The cross-entity substitute publishes the caller's
// shadow bundle with the same single atomic pointer store. Readers always
// see a complete bundle from before or after any given mutation, which is
// stronger than the spec's per-entity consistency requirement but trivially
// satisfies it.
type Store struct {
	bundle atomic.Pointer[marketdata.Bundle]

	writeMu sync.Mutex // serializes ApplyWriterDelta / Substitute publication

	leaseMu        sync.Mutex
	leaseToken     string
	leaseExpiresAt time.Time
	state          State

	log zerolog.Logger
}

// New returns an empty, Uninitialized Store.
func New(log zerolog.Logger) *Store {
	return &Store{log: log.With().Str("component", "hotstate").Logger()}
}

// GetRevision returns the current bundle. It never fails once the first
// revision exists (spec §4.1, "Failure semantics").
func (s *Store) GetRevision() (*marketdata.Bundle, error) {
	b := s.bundle.Load()
	if b == nil {
		return nil, errkind.New(errkind.Fatal, "hotstate: no revision published yet")
	}
	return b, nil
}

// State reports the current lifecycle state.
func (s *Store) State() State {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.state
}

// ApplyWriterDelta runs mutator against a clone of the current bundle (or a
// freshly constructed empty bundle if this is the first write) and
// publishes the result as the next revision. Only the Aggregator calls this
// during steady state; the ReAnchorCoordinator uses Substitute instead.
func (s *Store) ApplyWriterDelta(windowWidthsUs []int64, mutator func(b *marketdata.Bundle)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.bundle.Load()
	var next *marketdata.Bundle
	if prev == nil {
		next = marketdata.NewBundle(windowWidthsUs)
	} else {
		next = prev.Clone()
	}

	mutator(next)
	if prev != nil {
		next.Revision = prev.Revision + 1
	} else {
		next.Revision = 1
	}
	next.BuiltAtUnixNano = time.Now().UnixNano()

	s.bundle.Store(next)

	if prev == nil {
		s.leaseMu.Lock()
		s.state = Steady
		s.leaseMu.Unlock()
	}
}

// TryBeginReanchor acquires the re-anchor lease, or reports BUSY (ok=false)
// if another attempt is already in flight and its lease has not expired.
// The lease auto-expires lazily: a stale lease is detected and replaced the
// next time TryBeginReanchor is called, rather than by a background timer.
func (s *Store) TryBeginReanchor(timeout time.Duration) (token string, ok bool) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.leaseToken != "" && time.Now().Before(s.leaseExpiresAt) {
		return "", false
	}
	if s.leaseToken != "" {
		s.log.Warn().Str("stale_token", s.leaseToken).Msg("reanchor lease expired without end_reanchor, reclaiming")
	}

	s.leaseToken = uuid.NewString()
	s.leaseExpiresAt = time.Now().Add(timeout)
	s.state = ReanchorInProgress
	return s.leaseToken, true
}

// EndReanchor releases the lease. It is a no-op if token does not match the
// currently held lease (already expired and reclaimed, or programmer
// error) — the store is left unchanged either way.
func (s *Store) EndReanchor(token string) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.leaseToken != token {
		return
	}
	s.leaseToken = ""
	s.leaseExpiresAt = time.Time{}
	s.state = Steady
}

// Substitute atomically replaces the entire bundle, bumping the revision.
// It fails only on lease expiry or an unknown token (spec §4.1, "Failure
// semantics: substitute fails only on lease expiry or programmer error");
// on failure the store is left unchanged.
func (s *Store) Substitute(token string, shadow *marketdata.Bundle) (uint64, error) {
	s.leaseMu.Lock()
	validLease := s.leaseToken != "" && s.leaseToken == token && time.Now().Before(s.leaseExpiresAt)
	s.leaseMu.Unlock()
	if !validLease {
		return 0, errkind.New(errkind.Fatal, "hotstate: substitute called with expired or unknown lease token")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.bundle.Load()
	if prev != nil {
		shadow.Revision = prev.Revision + 1
	} else {
		shadow.Revision = 1
	}
	shadow.BuiltAtUnixNano = time.Now().UnixNano()
	s.bundle.Store(shadow)

	return shadow.Revision, nil
}
