package broker

import (
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// connection is the broker's per-socket record: the mutable state spec.md
// §9 says should live in "a dedicated connection record ... not properties
// bolted onto the socket type." It is keyed by its *websocket.Conn in the
// broker's connection registry.
type connection struct {
	conn          *websocket.Conn
	remoteAddr    string
	correlationID uuid.UUID

	mu                sync.Mutex
	authenticated     bool
	currentSessionID  string
	lastPingOK        bool
}

func newConnection(conn *websocket.Conn, remoteAddr string) *connection {
	return &connection{
		conn:          conn,
		remoteAddr:    remoteAddr,
		correlationID: uuid.New(),
		lastPingOK:    true,
	}
}

func (c *connection) setAuthenticated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = v
}

func (c *connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *connection) setCurrentSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentSessionID = id
}

func (c *connection) getCurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSessionID
}

// writeFrame writes a single binary frame to the socket, silently
// dropping the write if the connection is no longer open. Per spec.md
// §5 Backpressure: "Writes to a closed or non-OPEN socket are silently
// dropped by the broker."
func (c *connection) writeFrame(timeout time.Duration, frame []byte) {
	ctx, cancel := newTimeoutContext(timeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageBinary, frame)
}
