package server

import (
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plumetest "github.com/plumehq/plume/internal/testing"
	"github.com/plumehq/plume/stint"
)

type serverFixture struct {
	db  *sql.DB
	srv *PlumeServer
	ts  *httptest.Server
}

// newServerFixture builds a server over a migrated in-memory database
// with the given stages registered, mounts the full route table on an
// httptest server, and runs the hub until the test ends.
func newServerFixture(t *testing.T, stages ...stint.Stage) *serverFixture {
	t.Helper()
	database := plumetest.CreateMigratedTestDB(t)
	registry := stint.NewRegistry()
	for _, s := range stages {
		registry.Register(s)
	}
	engine := stint.NewEngine(database, registry, stint.EngineConfig{})
	srv := NewPlumeServer(database, engine, nil)
	engine.SetBroadcaster(srv)
	go srv.Run()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
	})
	return &serverFixture{db: database, srv: srv, ts: ts}
}

// wsURL converts the fixture's HTTP base URL into the WebSocket endpoint.
func (f *serverFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

// newMockClient is a registered-shape client without a connection, for
// driving the hub directly.
func newMockClient(srv *PlumeServer, id string, buffer int) *Client {
	return &Client{
		server: srv,
		send:   make(chan interface{}, buffer),
		id:     id,
	}
}

func TestNewPlumeServer(t *testing.T) {
	f := newServerFixture(t)

	assert.Equal(t, f.db, f.srv.db)
	assert.NotNil(t, f.srv.engine)
	assert.NotNil(t, f.srv.pages)
	assert.NotNil(t, f.srv.clients)
	assert.NotNil(t, f.srv.register)
	assert.NotNil(t, f.srv.unregister)
	assert.Equal(t, ServerStateRunning, f.srv.getState())
	assert.False(t, f.srv.startedAt.IsZero())
}

func TestServerHubRegistration(t *testing.T) {
	f := newServerFixture(t)

	client := newMockClient(f.srv, "test_client_1", 16)
	f.srv.register <- client
	time.Sleep(10 * time.Millisecond)

	f.srv.mu.RLock()
	_, exists := f.srv.clients[client]
	f.srv.mu.RUnlock()

	assert.True(t, exists)
	assert.Equal(t, 1, f.srv.ClientCount())
}

func TestServerHubUnregistration(t *testing.T) {
	f := newServerFixture(t)

	client := newMockClient(f.srv, "test_client_unreg", 16)
	f.srv.register <- client
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, f.srv.ClientCount())

	f.srv.unregister <- client
	time.Sleep(10 * time.Millisecond)

	f.srv.mu.RLock()
	_, exists := f.srv.clients[client]
	f.srv.mu.RUnlock()

	assert.False(t, exists)
	assert.Equal(t, 0, f.srv.ClientCount())

	// The send channel stays open after unregistration, so a broadcast
	// racing the disconnect lands in an abandoned buffer instead of
	// panicking.
	select {
	case client.send <- "late event":
	default:
		t.Error("send channel should still accept writes after unregistration")
	}
}

func TestServerHubMaxClients(t *testing.T) {
	f := newServerFixture(t)

	for i := 0; i < MaxClients; i++ {
		f.srv.register <- newMockClient(f.srv, fmt.Sprintf("client_%d", i), 1)
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, MaxClients, f.srv.ClientCount())

	extra := newMockClient(f.srv, "client_over_limit", 1)
	f.srv.register <- extra
	time.Sleep(10 * time.Millisecond)

	f.srv.mu.RLock()
	_, exists := f.srv.clients[extra]
	f.srv.mu.RUnlock()

	assert.False(t, exists, "client past the ceiling must be rejected")
	assert.Equal(t, MaxClients, f.srv.ClientCount())
}

func TestServerConcurrentRegistration(t *testing.T) {
	f := newServerFixture(t)

	numClients := 20
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			f.srv.register <- newMockClient(f.srv, fmt.Sprintf("client_%d", id), 16)
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, numClients, f.srv.ClientCount())
}

func TestIsPortAvailable(t *testing.T) {
	// Port 0 is always available, the OS picks.
	assert.True(t, isPortAvailable(0))

	// A port we hold is not.
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	held := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, isPortAvailable(held))
}

func TestFindAvailablePort(t *testing.T) {
	port, err := findAvailablePort(50123)
	require.NoError(t, err)
	assert.Equal(t, 50123, port)
}

func TestFindAvailablePortFallsBack(t *testing.T) {
	ln, err := net.Listen("tcp", ":50124")
	require.NoError(t, err)
	defer ln.Close()

	port, err := findAvailablePort(50124)
	require.NoError(t, err)
	assert.NotEqual(t, 50124, port)
}

func TestCheckOrigin(t *testing.T) {
	f := newServerFixture(t)

	mkReq := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	// Default policy admits non-browser clients and localhost on any port.
	assert.True(t, f.srv.checkOrigin(mkReq("")))
	assert.True(t, f.srv.checkOrigin(mkReq("http://localhost:5173")))
	assert.True(t, f.srv.checkOrigin(mkReq("https://localhost")))
	assert.False(t, f.srv.checkOrigin(mkReq("https://evil.example.com")))

	// Configured origins replace the localhost default.
	f.srv.allowedOrigins = []string{"https://app.plumehq.com"}
	assert.True(t, f.srv.checkOrigin(mkReq("https://app.plumehq.com")))
	assert.False(t, f.srv.checkOrigin(mkReq("http://localhost:5173")))
}

func TestHandleWebSocket(t *testing.T) {
	f := newServerFixture(t)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The first frame identifies the daemon build.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]interface{}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])
	assert.Contains(t, hello, "version")
	assert.Contains(t, hello, "commit")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.srv.ClientCount())

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.srv.ClientCount())
}

func TestWebSocketReceivesEngineEvents(t *testing.T) {
	f := newServerFixture(t)

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]interface{}
	require.NoError(t, conn.ReadJSON(&hello))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.srv.ClientCount())

	f.srv.Broadcast(stint.Event{
		Type:        stint.EventFinished,
		WorkspaceID: "WS_1",
		Stage:       "mail.import",
		JobID:       "JOB_X",
		Outcome:     stint.OutcomeCompleted,
		Processed:   42,
		At:          time.Now(),
	})

	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, string(stint.EventFinished), ev["type"])
	assert.Equal(t, "WS_1", ev["workspace_id"])
	assert.Equal(t, "mail.import", ev["stage"])
	assert.Equal(t, "JOB_X", ev["job_id"])
	assert.Equal(t, string(stint.OutcomeCompleted), ev["outcome"])
	assert.Equal(t, float64(42), ev["processed"])
}

func TestMultipleWebSocketClients(t *testing.T) {
	f := newServerFixture(t)

	numClients := 5
	conns := make([]*websocket.Conn, numClients)
	for i := 0; i < numClients; i++ {
		dialer := websocket.Dialer{}
		conn, _, err := dialer.Dial(f.wsURL(), nil)
		require.NoError(t, err, "client %d failed to connect", i)
		conns[i] = conn
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, numClients, f.srv.ClientCount())

	for _, conn := range conns {
		conn.Close()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.srv.ClientCount())
}

func TestBroadcastMessage(t *testing.T) {
	f := newServerFixture(t)

	client1 := newMockClient(f.srv, "client1", 16)
	client2 := newMockClient(f.srv, "client2", 16)
	f.srv.register <- client1
	f.srv.register <- client2
	time.Sleep(20 * time.Millisecond)

	sent := f.srv.broadcastMessage(map[string]string{"type": "test"})
	assert.Equal(t, 2, sent)

	for i, client := range []*Client{client1, client2} {
		select {
		case msg := <-client.send:
			m, ok := msg.(map[string]string)
			require.True(t, ok, "client %d received wrong message type", i)
			assert.Equal(t, "test", m["type"])
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestBroadcastSkipsFullClients(t *testing.T) {
	f := newServerFixture(t)

	slow := newMockClient(f.srv, "slow_client", 1)
	fast := newMockClient(f.srv, "fast_client", 16)
	f.srv.register <- slow
	f.srv.register <- fast
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		f.srv.Broadcast(stint.Event{
			Type:  stint.EventCheckpoint,
			JobID: fmt.Sprintf("JOB_%d", i),
			At:    time.Now(),
		})
	}

	// The fast client saw everything, the slow one only what fit.
	assert.Len(t, fast.send, 3)
	assert.Len(t, slow.send, 1)
	assert.Equal(t, int64(2), f.srv.broadcastDrops.Load())

	// A full buffer does not evict a client here; for real connections
	// the missed pong deadline does that.
	assert.Equal(t, 2, f.srv.ClientCount())
}

func TestStopDrainsClients(t *testing.T) {
	f := newServerFixture(t)

	f.srv.register <- newMockClient(f.srv, "c1", 8)
	f.srv.register <- newMockClient(f.srv, "c2", 8)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, f.srv.ClientCount())

	require.NoError(t, f.srv.Stop())
	assert.Equal(t, 0, f.srv.ClientCount())
	assert.Equal(t, ServerStateStopped, f.srv.getState())
}
