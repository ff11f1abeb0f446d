package server

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/hotpath/internal/hotstate"
)

// handleHealthz reports process liveness: it responds 200 as long as the
// HTTP server itself can handle a request. It does not depend on HotState
// being initialized.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "alive"}
	if s.health != nil {
		if snap := s.health.Latest(); snap != nil {
			body["goroutines"] = snap.Goroutines
			body["rss_bytes"] = snap.RSSBytes
			body["cpu_percent"] = snap.CPUPercent
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleReadyz reports readiness: whether HotState has a published
// revision yet, and whether the pipeline is currently mid-reanchor or
// degraded.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "no hotstate store"})
		return
	}

	state := s.store.State()
	if state == hotstate.Uninitialized {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "hotstate": state.String()})
		return
	}

	body := map[string]any{"status": "ready", "hotstate": state.String()}
	if s.health != nil {
		if snap := s.health.Latest(); snap != nil {
			body["reanchor_degraded"] = snap.ReanchorDegraded
			body["malformed_event_count"] = snap.MalformedEventCount
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode response body")
	}
}
