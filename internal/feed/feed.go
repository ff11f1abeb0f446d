// Package feed connects to the exchange's real-time trade/quote/depth
// stream and forwards decoded events into the Aggregator and GapDetector.
// Reconnection and backoff are adapted from the teacher's market-status
// WebSocket client; the wire decoding and downstream fan-out are new.
package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/hotpath/internal/marketdata"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 1 * time.Minute
)

// EventSink receives decoded events for steady-state aggregation.
// *aggregator.Aggregator satisfies this structurally.
type EventSink interface {
	Ingest(ev *marketdata.Event)
}

// DiscontinuityObserver receives every event (for sequence/price continuity
// checks) and connection state transitions. *reanchor.GapDetector satisfies
// this structurally.
type DiscontinuityObserver interface {
	Observe(ev *marketdata.Event)
	NotifyConnectionStatus(connected bool)
}

// Feed is a single WebSocket connection to the exchange feed for one
// symbol.
type Feed struct {
	url        string
	symbol     string
	httpClient *http.Client

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}

	reconnecting bool

	aggregator  EventSink
	gapDetector DiscontinuityObserver
	log         zerolog.Logger
}

// New builds a Feed. aggregator and gapDetector receive every decoded
// event; gapDetector additionally learns about connect/disconnect
// transitions.
func New(url, symbol string, aggregator EventSink, gapDetector DiscontinuityObserver, log zerolog.Logger) *Feed {
	return &Feed{
		url:         url,
		symbol:      symbol,
		httpClient:  newHTTP1Client(),
		aggregator:  aggregator,
		gapDetector: gapDetector,
		log:         log.With().Str("component", "feed").Str("symbol", symbol).Logger(),
		stopChan:    make(chan struct{}),
	}
}

// newHTTP1Client forces HTTP/1.1: some TLS-terminating proxies negotiate
// HTTP/2 via ALPN, which breaks the WebSocket upgrade handshake.
func newHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Start dials the feed and begins the read loop, retrying in the
// background if the initial dial fails.
func (f *Feed) Start() error {
	f.log.Info().Msg("starting feed")

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("initial feed connection failed, retrying in background")
		go f.reconnectLoop()
		return nil
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readLoop(ctx)

	return nil
}

// Stop closes the connection and prevents further reconnection attempts.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)
	return f.disconnect()
}

func (f *Feed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{HTTPClient: f.httpClient})
	if err != nil {
		return fmt.Errorf("feed: dial failed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if f.gapDetector != nil {
		f.gapDetector.NotifyConnectionStatus(true)
	}

	f.log.Info().Msg("feed connected")
	return nil
}

func (f *Feed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if f.gapDetector != nil {
		f.gapDetector.NotifyConnectionStatus(false)
	}

	if err != nil {
		return fmt.Errorf("feed: close failed: %w", err)
	}
	return nil
}

func (f *Feed) readLoop(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()

		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		if f.gapDetector != nil {
			f.gapDetector.NotifyConnectionStatus(false)
		}

		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Msg("feed closed normally")
			} else if ctx.Err() != nil {
				f.log.Debug().Msg("read cancelled")
			} else {
				f.log.Error().Err(err).Msg("unexpected feed read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		ev, err := decodeEvent(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("dropping malformed wire message")
			continue
		}

		if f.gapDetector != nil {
			f.gapDetector.Observe(ev)
		}
		if f.aggregator != nil {
			f.aggregator.Ingest(ev)
		}
	}
}

func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to feed")

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("feed reconnected")

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readLoop(ctx)
		return
	}
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// Connected reports whether the feed currently holds a live connection.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
