package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/plumehq/plume/stint"
	"github.com/plumehq/plume/version"
)

// SystemStatus reports what an operator needs to size concurrent
// stints: memory headroom, how many stage locks are live right now,
// and where the job backlog sits.
type SystemStatus struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`

	// ActiveStints is the number of stage locks currently held; each
	// held lock is one invocation in flight.
	ActiveStints int `json:"active_stints"`

	Jobs    map[stint.Status]int `json:"jobs"`
	Stages  []string             `json:"stages"`
	Clients int                  `json:"clients"`
}

// HandleStatus serves the system status.
// GET /api/v1/status?workspace= scopes job counts to one workspace.
func (s *PlumeServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info := version.Get()
	status := SystemStatus{
		Status:        "ok",
		Version:       info.Version,
		Commit:        info.Short(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Stages:        s.engine.Registry().Names(),
		Clients:       s.ClientCount(),
	}

	// Memory stats degrade to zeros: status must answer even when the
	// platform probe fails.
	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		status.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		status.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		status.MemoryPercent = (status.MemoryUsedGB / status.MemoryTotalGB) * 100
	} else if err != nil {
		s.logger.Debugw("Failed to read memory stats", "error", err)
	}

	active, err := s.engine.Locks().ActiveCount(r.Context())
	if err != nil {
		s.logger.Warnw("Failed to count active locks", "error", err)
	} else {
		status.ActiveStints = active
	}

	counts, err := s.engine.Store().JobCounts(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		s.logger.Warnw("Failed to count jobs", "error", err)
		counts = map[stint.Status]int{}
	}
	status.Jobs = counts

	writeJSON(w, http.StatusOK, status)
}
