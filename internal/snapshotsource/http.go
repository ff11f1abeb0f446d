package snapshotsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/errkind"
)

// HTTPSource is a REST-backed Source. Requests are retried with exponential
// backoff by retryablehttp on transport errors and 5xx/429 responses; the
// coordinator's own retry/backoff loop (spec §4.3 phase 2) sits one level
// above this and governs whole-attempt retries, not individual HTTP calls.
type HTTPSource struct {
	baseURL string
	client  *retryablehttp.Client
	log     zerolog.Logger
}

// NewHTTPSource builds an HTTPSource against baseURL (e.g.
// "https://api.example.com").
func NewHTTPSource(baseURL string, log zerolog.Logger) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil // structured logging goes through zerolog below, not the library's own logger.

	return &HTTPSource{
		baseURL: baseURL,
		client:  client,
		log:     log.With().Str("component", "snapshot_source").Logger(),
	}
}

type depthResponseLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type depthResponse struct {
	Bids       []depthResponseLevel `json:"bids"`
	Asks       []depthResponseLevel `json:"asks"`
	UpdateID   uint64               `json:"update_id"`
	ServerTsUs int64                `json:"server_ts_us"`
}

type tradeResponse struct {
	TradeID      uint64  `json:"trade_id"`
	EventTsUs    int64   `json:"event_ts_us"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	BuyerIsMaker bool    `json:"buyer_is_maker"`
}

// DepthSnapshot implements Source.
func (s *HTTPSource) DepthSnapshot(ctx context.Context, symbol string) (*DepthSnapshot, error) {
	u := fmt.Sprintf("%s/depth?symbol=%s", s.baseURL, url.QueryEscape(symbol))

	var body depthResponse
	if err := s.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}

	snap := &DepthSnapshot{UpdateID: body.UpdateID, ServerTsUs: body.ServerTsUs}
	for _, b := range body.Bids {
		snap.Bids = append(snap.Bids, DepthLevel{Price: b.Price, Size: b.Size})
	}
	for _, a := range body.Asks {
		snap.Asks = append(snap.Asks, DepthLevel{Price: a.Price, Size: a.Size})
	}
	return snap, nil
}

// RecentTrades implements Source.
func (s *HTTPSource) RecentTrades(ctx context.Context, symbol string, fromTsUs int64) ([]Trade, error) {
	u := fmt.Sprintf("%s/trades?symbol=%s&from_ts_us=%s", s.baseURL, url.QueryEscape(symbol), strconv.FormatInt(fromTsUs, 10))

	var body []tradeResponse
	if err := s.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}

	trades := make([]Trade, len(body))
	for i, t := range body {
		trades[i] = Trade{
			TradeID:      t.TradeID,
			EventTsUs:    t.EventTsUs,
			Price:        t.Price,
			Size:         t.Size,
			BuyerIsMaker: t.BuyerIsMaker,
		}
	}
	return trades, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, rawURL string, dest any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errkind.Wrap(errkind.SnapshotFailure, "build request", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.SnapshotFailure, "snapshot source request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.SnapshotFailure, "snapshot source returned NOT_FOUND")
	case resp.StatusCode == http.StatusTooManyRequests:
		return errkind.New(errkind.SnapshotFailure, "snapshot source returned THROTTLED")
	case resp.StatusCode >= 500:
		return errkind.New(errkind.SnapshotFailure, fmt.Sprintf("snapshot source returned TRANSIENT (status %d)", resp.StatusCode))
	case resp.StatusCode >= 400:
		return errkind.New(errkind.SnapshotFailure, fmt.Sprintf("snapshot source returned PERMANENT (status %d)", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return errkind.Wrap(errkind.SnapshotFailure, "decode snapshot source response", err)
	}
	return nil
}
