package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/inference"
)

// PredictionStreamHandler streams every published prediction to connected
// clients over Server-Sent Events, mirroring inference.MirrorSink.
type PredictionStreamHandler struct {
	mirror *inference.MirrorSink
	log    zerolog.Logger
}

// NewPredictionStreamHandler builds a handler backed by mirror.
func NewPredictionStreamHandler(mirror *inference.MirrorSink, log zerolog.Logger) *PredictionStreamHandler {
	return &PredictionStreamHandler{
		mirror: mirror,
		log:    log.With().Str("component", "prediction_stream").Logger(),
	}
}

// ServeHTTP handles GET /predictions/stream.
func (h *PredictionStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.mirror == nil {
		http.Error(w, "prediction stream unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := h.mirror.Subscribe(32)
	defer unsubscribe()

	h.log.Info().Msg("client connected to prediction stream")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("client disconnected from prediction stream")
			return

		case p, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", h.encode(p))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

func (h *PredictionStreamHandler) encode(p *inference.Prediction) string {
	data, err := json.Marshal(p)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal prediction")
		return `{"error":"encode failed"}`
	}
	return string(data)
}
