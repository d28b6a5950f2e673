package socket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/ratelimit"
)

// CloseTryAgainLater is sent to clients that exceed the inbound rate limit.
const CloseTryAgainLater = websocket.CloseTryAgainLater

// terminateDelay gives the peer time to read the close frame before the
// underlying connection is torn down.
const terminateDelay = time.Second

// Manager is the connection registry. It owns every live Connection, the
// per-connection throttle counters, and the liveness sweep.
type Manager struct {
	logger         *slog.Logger
	throttleLimit  int
	throttleWindow time.Duration

	mu       sync.Mutex
	conns    map[string]*Connection
	counters map[string]*ratelimit.RollingCounter

	onClose func(socketID string)
}

// NewManager creates a connection registry. limit and window define the
// per-connection inbound message throttle.
func NewManager(logger *slog.Logger, limit int, window time.Duration) *Manager {
	return &Manager{
		logger:         logging.Component(logger, "socket"),
		throttleLimit:  limit,
		throttleWindow: window,
		conns:          make(map[string]*Connection),
		counters:       make(map[string]*ratelimit.RollingCounter),
	}
}

// SetCloseHandler installs fn to run whenever a connection leaves the
// registry, with the departed socket id. Used to tear down the socket's
// subscriptions.
func (m *Manager) SetCloseHandler(fn func(socketID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// Register adds a connection to the registry.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID()] = conn
	m.logger.Debug("connection registered", "socketId", conn.ID(), "clientId", conn.ClientID())
}

// Get returns the connection for a socket id.
func (m *Manager) Get(socketID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[socketID]
	return conn, ok
}

// IsConnected reports whether a socket id is registered.
func (m *Manager) IsConnected(socketID string) bool {
	_, ok := m.Get(socketID)
	return ok
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Send writes a payload to a connection as a single text frame. Strings go
// out raw; anything else is JSON-encoded. Returns false when the socket is
// unknown, the payload cannot be encoded, or the write fails. A failed write
// closes the connection.
func (m *Manager) Send(socketID string, payload any) bool {
	conn, ok := m.Get(socketID)
	if !ok {
		return false
	}

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			m.logger.Error("encoding outbound payload", "socketId", socketID, "error", err)
			return false
		}
		data = encoded
	}

	if err := conn.WriteText(data); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			m.logger.Debug("write failed, closing connection", "socketId", socketID, "error", err)
		}
		m.Close(socketID)
		return false
	}
	return true
}

// Throttle counts one inbound message against the connection's rate limit.
// Exceeding the limit sends a 1013 close frame, schedules termination, and
// returns the limit error so the caller drops the message.
func (m *Manager) Throttle(socketID string) error {
	m.mu.Lock()
	counter, ok := m.counters[socketID]
	if !ok {
		counter = ratelimit.NewRollingCounter(ratelimit.RollingCounterOpts{
			Limit:    m.throttleLimit,
			Interval: m.throttleWindow,
			Message:  "too many requests",
		})
		m.counters[socketID] = counter
	}
	m.mu.Unlock()

	err := counter.Increment()
	if err == nil {
		return nil
	}

	m.logger.Warn("rate limit exceeded", "socketId", socketID)
	if conn, ok := m.Get(socketID); ok {
		if werr := conn.WriteClose(CloseTryAgainLater, "rate limit exceeded"); werr != nil {
			m.logger.Debug("sending close frame", "socketId", socketID, "error", werr)
		}
		time.AfterFunc(terminateDelay, func() { m.Close(socketID) })
	}
	return err
}

// MarkAlive flags a connection as responsive, typically from its pong
// handler.
func (m *Manager) MarkAlive(socketID string) {
	if conn, ok := m.Get(socketID); ok {
		conn.MarkAlive(true)
	}
}

// Sweep runs one liveness round: a connection still flagged dead from the
// previous round is closed, every other one is flagged dead and pinged. A
// connection must pong before the next sweep to survive.
func (m *Manager) Sweep() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if !conn.Alive() {
			m.logger.Debug("closing unresponsive connection", "socketId", conn.ID())
			m.Close(conn.ID())
			continue
		}
		conn.MarkAlive(false)
		if err := conn.Ping(); err != nil {
			m.logger.Debug("ping failed", "socketId", conn.ID(), "error", err)
			m.Close(conn.ID())
		}
	}
}

// Close removes a connection from the registry, terminates it, and fires
// the close handler. Unknown ids are ignored.
func (m *Manager) Close(socketID string) {
	m.mu.Lock()
	conn, ok := m.conns[socketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, socketID)
	delete(m.counters, socketID)
	onClose := m.onClose
	m.mu.Unlock()

	if err := conn.Terminate(); err != nil {
		m.logger.Debug("terminating connection", "socketId", socketID, "error", err)
	}
	m.logger.Debug("connection closed", "socketId", socketID)

	if onClose != nil {
		onClose(socketID)
	}
}

// CloseAll terminates every registered connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for socketID := range m.conns {
		ids = append(ids, socketID)
	}
	m.mu.Unlock()

	for _, socketID := range ids {
		m.Close(socketID)
	}
}
