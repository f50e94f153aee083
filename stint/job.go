// Package stint implements Plume's resumable batch-job engine. A stint is
// one short-lived invocation against a job: it acquires the stage lock,
// drains bounded pages of work until the time budget nears its margin,
// checkpoints after every sub-batch, and then schedules its own
// continuation. Chaining stints this way makes a sequence of small,
// stateless invocations behave like one long-running worker without ever
// processing an item twice or running two workers for the same job.
package stint

import "time"

// Status is the lifecycle state of a stint job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValidStatus reports whether s is one of the five job states.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final. Terminal jobs are never
// resumed; a new trigger creates a fresh job instead.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether a job in this status can still make progress.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusPaused
}

// legalTransitions is the job lifecycle: pending starts (or is cleaned
// up), in_progress finishes one way or another, paused resumes or is
// retired by the watchdog.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusInProgress, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Progress tracks how much of a job's computed work has been handled.
type Progress struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Remaining returns the count of items still to process, floored at zero.
func (p Progress) Remaining() int {
	r := p.Total - p.Done - p.Failed
	if r < 0 {
		return 0
	}
	return r
}

// Percentage returns completion as 0-100. Zero-total jobs report 0.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Done+p.Failed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Job is one resumable attempt at draining the work queue for one
// workspace and one pipeline stage.
type Job struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Stage       string `json:"stage"`
	Status      Status `json:"status"`

	// Cursor is the resume position. It is opaque to the engine: a page
	// token, a last-processed id, or a JSON object of per-folder token
	// pairs, depending on the stage that wrote it.
	Cursor string `json:"cursor,omitempty"`

	// CheckpointSeq counts durable checkpoint writes. Each write must
	// carry the next sequence number; a replayed write with a stale one
	// affects no rows, which is what makes checkpointing idempotent.
	CheckpointSeq int64 `json:"checkpoint_seq"`

	Progress Progress `json:"progress"`

	RetryCount          int `json:"retry_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`
	RelayDepth          int `json:"relay_depth"`

	ErrorMessage *string `json:"error_message,omitempty"`

	// ExternalRef is a provider-side run identifier, when the stage's
	// provider has one. The watchdog polls it for jobs whose completion
	// signal may have been dropped.
	ExternalRef *string `json:"external_ref,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsGhost reports whether the job sits in a live state with zero computed
// work. Ghosts come from interrupted creation paths; they must never block
// a fresh job and are force-failed by the sweep instead of resumed.
func (j *Job) IsGhost() bool {
	return (j.Status == StatusInProgress || j.Status == StatusPaused) && j.Progress.Total == 0
}

// CanTransitionTo reports whether moving to the given status is legal from
// the job's current one.
func (j *Job) CanTransitionTo(to Status) bool {
	return canTransition(j.Status, to)
}
