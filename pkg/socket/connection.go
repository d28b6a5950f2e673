// Package socket manages live WebSocket connections: registration, framed
// writes, per-connection inbound throttling, and the ping/pong liveness
// sweep.
package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getrelayd/relayd/internal/id"
)

// ErrConnectionClosed is returned for operations on a terminated connection.
var ErrConnectionClosed = errors.New("connection closed")

// writeWait bounds how long a frame write may block.
const writeWait = 10 * time.Second

// Connection wraps a WebSocket connection with the state the relay tracks
// per socket: a server-assigned id, the authenticated client identity, and
// the liveness flag toggled by the ping/pong cycle.
type Connection struct {
	id          string
	clientID    string
	conn        *websocket.Conn
	connectedAt time.Time

	alive  atomic.Bool
	closed atomic.Bool
	// Serializes frame writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

// NewConnection wraps an upgraded connection. The connection starts alive.
func NewConnection(conn *websocket.Conn, clientID string) *Connection {
	c := &Connection{
		id:          id.UUID(),
		clientID:    clientID,
		conn:        conn,
		connectedAt: time.Now(),
	}
	c.alive.Store(true)
	return c
}

// ID returns the server-assigned socket id.
func (c *Connection) ID() string {
	return c.id
}

// ClientID returns the client identity bound at handshake time.
func (c *Connection) ClientID() string {
	return c.clientID
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Alive reports whether the connection responded since the last sweep.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// MarkAlive sets the liveness flag. The sweep clears it before pinging and
// the pong handler sets it again.
func (c *Connection) MarkAlive(alive bool) {
	c.alive.Store(alive)
}

// IsClosed reports whether the connection has been terminated.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// SetPongHandler installs fn to run on every pong frame received. Pongs are
// surfaced during reads, so a read loop must be running for fn to fire.
func (c *Connection) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Read blocks until the next text frame arrives and returns its payload.
// Binary frames are drained and ignored.
func (c *Connection) Read() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteText sends a text frame.
func (c *Connection) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteClose sends a close frame with the given status code and reason
// without tearing down the underlying connection, so the peer gets a chance
// to read it before Terminate.
func (c *Connection) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	frame := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
}

// Ping sends a ping control frame.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Terminate closes the underlying connection. Safe to call more than once.
func (c *Connection) Terminate() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
