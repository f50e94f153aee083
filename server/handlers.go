package server

import (
	"net/http"

	"github.com/plumehq/plume/version"
)

// Handler builds the daemon's route table. Tests mount the same handler
// on an httptest server.
func (s *PlumeServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket event feed and liveness probe
	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))

	// Stint API
	mux.HandleFunc("/api/v1/status", s.corsMiddleware(s.HandleStatus))
	mux.HandleFunc("/api/v1/stints/trigger", s.corsMiddleware(s.HandleTrigger))
	mux.HandleFunc("/api/v1/stints/jobs/", s.corsMiddleware(s.HandleJob))
	mux.HandleFunc("/api/v1/stints/jobs", s.corsMiddleware(s.HandleJobs))
	mux.HandleFunc("/api/v1/stints/runs", s.corsMiddleware(s.HandleRuns))

	// FAQ mining intake
	mux.HandleFunc("/api/v1/pages", s.corsMiddleware(s.HandlePages))

	return mux
}

// corsMiddleware adds CORS headers using the same origin policy as the
// WebSocket check.
func (s *PlumeServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// HandleHealth is the liveness probe.
func (s *PlumeServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()

	health := map[string]interface{}{
		"status":     "ok",
		"state":      stateString(s.getState()),
		"version":    info.Version,
		"commit":     info.CommitHash,
		"build_time": info.BuildTime,
		"clients":    s.ClientCount(),
	}
	writeJSON(w, http.StatusOK, health)
}
