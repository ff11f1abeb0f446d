// Package snapshotsource provides the SnapshotSource external interface
// consumed by the ReAnchorCoordinator (spec §6): a depth snapshot and a
// window of recent trades, on demand, from an authoritative out-of-band
// source.
package snapshotsource

import "context"

// DepthLevel is a single (price, size) pair in a fetched snapshot.
type DepthLevel struct {
	Price float64
	Size  float64
}

// DepthSnapshot is the response to depth_snapshot(symbol).
type DepthSnapshot struct {
	Bids       []DepthLevel
	Asks       []DepthLevel
	UpdateID   uint64
	ServerTsUs int64
}

// Trade is one entry in the response to recent_trades(symbol, from_ts_us).
type Trade struct {
	TradeID      uint64
	EventTsUs    int64
	Price        float64
	Size         float64
	BuyerIsMaker bool
}

// Source is the SnapshotSource contract (spec §6). Both operations may fail
// with a categorized error: TIMEOUT, THROTTLED, NOT_FOUND, TRANSIENT or
// PERMANENT — surfaced here as an *errkind.CoreError of kind
// errkind.SnapshotFailure, whose message names the category for an HTTP
// status and which wraps the underlying error for a transport failure.
type Source interface {
	DepthSnapshot(ctx context.Context, symbol string) (*DepthSnapshot, error)
	RecentTrades(ctx context.Context, symbol string, fromTsUs int64) ([]Trade, error)
}
