package socket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/ratelimit"
)

func newTestManager(t *testing.T, limit int, window time.Duration) *Manager {
	t.Helper()
	m := NewManager(logging.Nop(), limit, window)
	t.Cleanup(m.CloseAll)
	return m
}

// newTestPair dials a real WebSocket through an httptest server and returns
// the registered server-side connection plus the raw client side.
func newTestPair(t *testing.T, m *Manager) (*Connection, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- NewConnection(ws, "client-test")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	conn := <-connCh
	m.Register(conn)
	return conn, client
}

func TestManager_RegisterAndClose(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	conn, _ := newTestPair(t, m)

	if !m.IsConnected(conn.ID()) {
		t.Fatal("connection not registered")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}

	var closedMu sync.Mutex
	var closed []string
	m.SetCloseHandler(func(socketID string) {
		closedMu.Lock()
		closed = append(closed, socketID)
		closedMu.Unlock()
	})

	m.Close(conn.ID())
	m.Close(conn.ID()) // idempotent

	if m.IsConnected(conn.ID()) {
		t.Error("connection still registered after Close")
	}
	closedMu.Lock()
	defer closedMu.Unlock()
	if len(closed) != 1 || closed[0] != conn.ID() {
		t.Errorf("close handler calls = %v, want one call for %s", closed, conn.ID())
	}
}

func TestManager_SendStringRaw(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	conn, client := newTestPair(t, m)

	if !m.Send(conn.ID(), "hello") {
		t.Fatal("Send returned false")
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("received %q, want raw string", data)
	}
}

func TestManager_SendEncodesJSON(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	conn, client := newTestPair(t, m)

	if !m.Send(conn.ID(), map[string]int{"n": 7}) {
		t.Fatal("Send returned false")
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"n":7}` {
		t.Errorf("received %q, want JSON object", data)
	}
}

func TestManager_SendUnknownSocket(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	if m.Send("no-such-socket", "x") {
		t.Error("Send to unknown socket must return false")
	}
}

func TestManager_ThrottleClosesViolators(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 3, time.Minute)
	conn, client := newTestPair(t, m)

	for i := 0; i < 3; i++ {
		if err := m.Throttle(conn.ID()); err != nil {
			t.Fatalf("message %d throttled early: %v", i+1, err)
		}
	}
	if err := m.Throttle(conn.ID()); !errors.Is(err, ratelimit.ErrLimitExceeded) {
		t.Fatalf("4th message = %v, want ErrLimitExceeded", err)
	}

	// The violator receives a 1013 close frame.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseTryAgainLater {
		t.Errorf("client read = %v, want close frame %d", err, CloseTryAgainLater)
	}

	// Termination follows shortly after the close frame.
	deadline := time.Now().Add(3 * time.Second)
	for m.IsConnected(conn.ID()) {
		if time.Now().After(deadline) {
			t.Fatal("violating connection never terminated")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestManager_SweepKeepsResponsiveConnections(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	conn, client := newTestPair(t, m)

	conn.SetPongHandler(func() { m.MarkAlive(conn.ID()) })
	// Both sides need a read loop: the client's to answer pings, the
	// server's to surface the pongs.
	go func() {
		for {
			if _, err := conn.Read(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	m.Sweep()
	time.Sleep(300 * time.Millisecond) // allow the pong round trip
	m.Sweep()
	time.Sleep(100 * time.Millisecond)

	if !m.IsConnected(conn.ID()) {
		t.Error("responsive connection was swept")
	}
}

func TestManager_SweepDropsSilentConnections(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 100, time.Minute)
	conn, _ := newTestPair(t, m)

	// No client read loop, so pings go unanswered.
	m.Sweep()
	if !m.IsConnected(conn.ID()) {
		t.Fatal("first sweep must only flag, not close")
	}
	m.Sweep()
	if m.IsConnected(conn.ID()) == true {
		t.Error("silent connection survived two sweeps")
	}
}
