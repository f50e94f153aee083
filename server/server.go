// Package server exposes the Plume daemon over HTTP: the stint trigger
// surface, job and run listings, a system status endpoint, and a
// WebSocket feed of engine lifecycle events for dashboard clients.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/stages/faqmine"
	"github.com/plumehq/plume/stint"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients.
	MaxClients = 64

	// ShutdownTimeout is how long Stop waits for goroutines to drain
	// before giving up and returning anyway.
	ShutdownTimeout = 15 * time.Second
)

// ServerState tracks the lifecycle for graceful shutdown.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// PlumeServer is the daemon's HTTP and WebSocket front. It does not own
// the engine: triggers are forwarded to it, events flow back out through
// the Broadcast method, which the engine calls on every lifecycle step.
type PlumeServer struct {
	db     *sql.DB
	engine *stint.Engine
	pages  *faqmine.Store

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	allowedOrigins []string

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	broadcastDrops atomic.Int64
	state          atomic.Int32
	startedAt      time.Time

	logger *zap.SugaredLogger
}

// NewPlumeServer wires the HTTP front over an engine. allowedOrigins
// feeds both CORS and the WebSocket origin check; empty means localhost
// only.
func NewPlumeServer(db *sql.DB, engine *stint.Engine, allowedOrigins []string) *PlumeServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &PlumeServer{
		db:             db,
		engine:         engine,
		pages:          faqmine.NewStore(db),
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		allowedOrigins: allowedOrigins,
		ctx:            ctx,
		cancel:         cancel,
		startedAt:      time.Now(),
		logger:         logger.ComponentLogger("server"),
	}
}

// Run starts the hub event loop. It owns the clients map mutations so
// register and unregister never race the HTTP handlers.
func (s *PlumeServer) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// handleClientRegister admits a new WebSocket client, enforcing the
// client ceiling.
func (s *PlumeServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleClientUnregister drops a disconnected client. The send channel
// is never closed; abandoning it lets in-flight broadcasts finish
// harmlessly and the channel is collected with the client.
func (s *PlumeServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()

	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// ClientCount returns how many WebSocket clients are connected.
func (s *PlumeServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *PlumeServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *PlumeServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start binds the listener and serves until Stop or a listener error.
// The requested port falls through to alternatives when taken, so a
// stale daemon does not block a fresh one from coming up.
func (s *PlumeServer) Start(port int) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
		"port", actualPort,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the server: no new connections, open WebSockets closed,
// hub and pumps stopped, all within ShutdownTimeout.
func (s *PlumeServer) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
		cancel()
	}

	// Close connections before cancelling the context so readPump exits
	// on a connection error instead of hanging on a dead peer.
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", "count", len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}
