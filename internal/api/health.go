// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"
)

// handleHealthz is liveness: the process is up and serving. It never
// looks at downstream dependencies.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.cfg.Version,
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleReadyz is readiness: flipped on by the daemon once startup
// verification passed, flipped off again during drain so load balancers
// stop routing before the listener closes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
