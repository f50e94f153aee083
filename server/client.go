package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. Dashboard clients only
	// send small control frames.
	maxMessageSize = 4096

	// Per-client send buffer. Events are small; a client this far
	// behind is not reading at all.
	clientSendBuffer = 256
)

// Client is one connected WebSocket dashboard session.
type Client struct {
	server    *PlumeServer
	conn      *websocket.Conn
	send      chan interface{}
	id        string
	closeOnce sync.Once
}

// clientMessage is the inbound control frame shape. Dashboard clients
// mostly listen; ping is the only meaningful type today.
type clientMessage struct {
	Type string `json:"type"`
}

// newUpgrader builds the WebSocket upgrader with the server's origin
// policy.
func (s *PlumeServer) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the WebSocket origin against the configured
// allowed origins. Prefix matching admits any port on an allowed host.
func (s *PlumeServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// No origin header means a non-browser client (CLI, tests).
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the connection and hands it to the hub.
func (s *PlumeServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, clientSendBuffer),
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	// Hello goes out before the pumps start so it cannot interleave
	// with writePump frames.
	if err := conn.WriteJSON(helloMessage()); err != nil {
		s.logger.Debugw("Failed to send hello",
			"client_id", client.id,
			"error", err,
		)
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames until the peer goes away, keeping the
// pong deadline fresh. A wedged client misses the deadline and falls
// out here.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "client_id", c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id,
			)
			continue
		}

		switch msg.Type {
		case "ping":
			// Deadline refresh is handled by the pong handler.
		default:
			c.server.logger.Debugw("Unknown message type",
				"type", msg.Type,
				"client_id", c.id,
			)
		}
	}
}

// handleReadError logs unexpected WebSocket read errors. Expected
// closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"client_id", c.id,
			"error", err.Error(),
		)
	}
}

// writePump pushes queued events to the peer and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			c.server.logger.Debugw("Write pump stopping due to server shutdown", "client_id", c.id)
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close shuts the connection once. The send channel stays open: writers
// race closes otherwise, and an orphaned channel just gets collected.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
