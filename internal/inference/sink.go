package inference

import (
	"sync"

	"github.com/rs/zerolog"
)

// Prediction is the record assembled in spec §4.4 step 6.
type Prediction struct {
	Symbol             string  `json:"symbol"`
	TickMs             int64   `json:"tick_ms"`
	CurrentPrice       float64 `json:"current_price"`
	PredictedPrice     float64 `json:"predicted_price"`
	TargetOffsetMs     int64   `json:"target_offset_ms"`
	Confidence         float64 `json:"confidence"`
	ModelVersion       string  `json:"model_version"`
	FeaturesAgeMs      int64   `json:"features_age_ms"`
	InferenceLatencyUs int64   `json:"inference_latency_us"`
	Source             string  `json:"source"` // "normal", "degraded-stale", "degraded-error"
}

// Sink is the prediction sink contract (spec §6): best-effort, ACK or FAIL,
// never blocking inference beyond a bounded write.
type Sink interface {
	Publish(p *Prediction) error
}

// FanoutSink publishes to every registered sink; an individual sink error
// does not stop delivery to the remaining sinks (best-effort per spec §6).
// Each failure is logged, and Publish returns the last failure, or nil when
// every sink succeeded.
type FanoutSink struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewFanoutSink returns a sink that publishes to every one of sinks.
func NewFanoutSink(log zerolog.Logger, sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks, log: log.With().Str("component", "prediction_sink").Logger()}
}

// Publish implements Sink.
func (f *FanoutSink) Publish(p *Prediction) error {
	var lastErr error
	for _, s := range f.sinks {
		if err := s.Publish(p); err != nil {
			f.log.Warn().Err(err).Msg("prediction sink write failed")
			lastErr = err
		}
	}
	return lastErr
}

// LogSink publishes predictions as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a Sink that writes each prediction to log at info
// level.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "prediction_log_sink").Logger()}
}

// Publish implements Sink.
func (s *LogSink) Publish(p *Prediction) error {
	s.log.Info().
		Str("symbol", p.Symbol).
		Int64("tick_ms", p.TickMs).
		Float64("current_price", p.CurrentPrice).
		Float64("predicted_price", p.PredictedPrice).
		Float64("confidence", p.Confidence).
		Str("source", p.Source).
		Msg("prediction published")
	return nil
}

// MirrorSink fans each prediction out to its live subscribers (the HTTP SSE
// endpoint mirrors this sink — see internal/server); it keeps no history, so
// a new subscriber sees only predictions published after it subscribed. It
// never blocks the inference path: a
// subscriber channel that is full has the prediction dropped for it.
type MirrorSink struct {
	mu          sync.Mutex
	subscribers map[int]chan *Prediction
	nextID      int
}

// NewMirrorSink returns an empty MirrorSink.
func NewMirrorSink() *MirrorSink {
	return &MirrorSink{subscribers: make(map[int]chan *Prediction)}
}

// Publish implements Sink.
func (m *MirrorSink) Publish(p *Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- p:
		default:
			// Subscriber too slow; drop rather than block inference.
		}
	}
	return nil
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe func.
func (m *MirrorSink) Subscribe(bufferSize int) (<-chan *Prediction, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan *Prediction, bufferSize)
	m.subscribers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
		close(ch)
	}
}
