package server

// This file fans engine lifecycle events out to connected WebSocket
// clients. The engine calls Broadcast from the invocation hot path, so
// sends must never block: a client whose buffer is full misses the
// event and the drop is counted.

import (
	"time"

	"github.com/plumehq/plume/stint"
	"github.com/plumehq/plume/version"
)

// Broadcast implements stint.Broadcaster. Events go to every connected
// client with a non-blocking send.
func (s *PlumeServer) Broadcast(ev stint.Event) {
	sent := s.broadcastMessage(ev)

	s.logger.Debugw("Broadcasted stint event",
		"type", ev.Type,
		"workspace_id", ev.WorkspaceID,
		"stage", ev.Stage,
		"job_id", ev.JobID,
		"clients", sent,
	)
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not
// full). A client that keeps missing events is not removed here; its
// pong deadline expires and readPump unregisters it.
func (s *PlumeServer) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
			s.logger.Debugw("Client send channel full, dropping event",
				"client_id", client.id,
				"total_drops", s.broadcastDrops.Load(),
			)
		}
	}
	return sent
}

// helloMessage is the first frame every client receives, identifying
// the daemon build it connected to.
func helloMessage() map[string]interface{} {
	info := version.Get()
	return map[string]interface{}{
		"type":       "hello",
		"version":    info.Version,
		"commit":     info.Short(),
		"build_time": info.BuildTime,
		"timestamp":  time.Now().Unix(),
	}
}
