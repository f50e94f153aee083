package stint

import "time"

// EventType names a lifecycle event pushed to dashboard clients.
type EventType string

const (
	EventStarted    EventType = "stint.started"
	EventCheckpoint EventType = "stint.checkpoint"
	EventFinished   EventType = "stint.finished"
	EventSwept      EventType = "watchdog.swept"
)

// Event is one job lifecycle notification.
type Event struct {
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	Processed   int       `json:"processed,omitempty"`
	Remaining   int       `json:"remaining,omitempty"`
	RelayDepth  int       `json:"relay_depth,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Broadcaster fans events out to connected clients. Implementations must
// not block: events are emitted from the invocation hot path and a slow
// client is the client's problem.
type Broadcaster interface {
	Broadcast(Event)
}

// NopBroadcaster discards events. Used when no server is attached, such
// as one-shot CLI invocations.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Event) {}
