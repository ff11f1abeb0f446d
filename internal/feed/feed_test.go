package feed

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/hotpath/internal/marketdata"
)

type recordingEventSink struct {
	mu     sync.Mutex
	events []*marketdata.Event
}

func (r *recordingEventSink) Ingest(ev *marketdata.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEventSink) all() []*marketdata.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*marketdata.Event, len(r.events))
	copy(out, r.events)
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	observed  []*marketdata.Event
	statusLog []bool
}

func (r *recordingObserver) Observe(ev *marketdata.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, ev)
}

func (r *recordingObserver) NotifyConnectionStatus(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusLog = append(r.statusLog, connected)
}

func (r *recordingObserver) statuses() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.statusLog))
	copy(out, r.statusLog)
	return out
}

// echoTradeServer accepts a single WebSocket connection and sends one trade
// message, then blocks until the client disconnects.
func echoTradeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		msg := []byte(`{"type":"trade","seq_id":1,"event_ts_us":1000,"trade":{"trade_id":1,"price":100,"size":1,"buyer_is_maker":false}}`)
		_ = conn.Write(ctx, websocket.MessageText, msg)

		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func TestFeed_DeliversDecodedEventToSinkAndObserver(t *testing.T) {
	server := echoTradeServer(t)
	defer server.Close()

	sink := &recordingEventSink{}
	observer := &recordingObserver{}
	f := New(wsURL(server), "BTCUSDT", sink, observer, zerolog.Nop())

	require.NoError(t, f.Start())
	defer f.Stop()

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, marketdata.EventKindTrade, sink.all()[0].Kind)
	assert.Equal(t, marketdata.EventKindTrade, observer.observed[0].Kind)

	statuses := observer.statuses()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[0])
}

func TestFeed_StopClosesConnectionAndNotifiesDisconnect(t *testing.T) {
	server := echoTradeServer(t)
	defer server.Close()

	sink := &recordingEventSink{}
	observer := &recordingObserver{}
	f := New(wsURL(server), "BTCUSDT", sink, observer, zerolog.Nop())

	require.NoError(t, f.Start())
	require.Eventually(t, func() bool { return f.Connected() }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.Stop())

	assert.False(t, f.Connected())
	require.Eventually(t, func() bool {
		statuses := observer.statuses()
		return len(statuses) >= 2 && !statuses[len(statuses)-1]
	}, time.Second, 10*time.Millisecond)
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	d := calculateBackoff(100)
	assert.Equal(t, maxReconnectDelay, d)
}

func TestCalculateBackoff_GrowsExponentially(t *testing.T) {
	d1 := calculateBackoff(1)
	d2 := calculateBackoff(2)
	assert.Equal(t, baseReconnectDelay, d1)
	assert.Equal(t, 2*baseReconnectDelay, d2)
}

func TestFeed_StartFailsGracefullyAndRetriesInBackground(t *testing.T) {
	sink := &recordingEventSink{}
	observer := &recordingObserver{}
	f := New("ws://127.0.0.1:1/nonexistent", "BTCUSDT", sink, observer, zerolog.Nop())

	err := f.Start()
	assert.NoError(t, err) // Start never fails the caller; it retries in background.
	defer f.Stop()

	assert.False(t, f.Connected())
}
