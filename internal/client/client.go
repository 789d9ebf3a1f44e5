package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ccr-tools/ccr/internal/protocol"
)

// State is one of the client's connection lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DefaultPingInterval matches the broker's own heartbeat cadence; the
// client drives its own app-level PING independently of the broker's
// WebSocket-level ping so both sides can measure round-trip latency.
const DefaultPingInterval = 30 * time.Second

// Config configures a Client.
type Config struct {
	URL           string // ws://host:port/ws or wss://...
	Token         string
	AutoReconnect bool
	PingInterval  time.Duration // <=0 uses DefaultPingInterval
}

// Handlers are the event callbacks spec.md §4.9 surfaces upward. Every
// field is optional; a nil handler is simply not invoked. This mirrors
// the callback-registration shape internal/ptysession already uses for
// SetOnData/OnExit rather than introducing a separate pub/sub type.
type Handlers struct {
	OnConnected       func()
	OnAuthenticated   func()
	OnData            func(data []byte)
	OnSessionOutput   func(sessionID string, data []byte)
	OnSessions        func(sessions []protocol.SessionInfo)
	OnServerError     func(code, message string)
	OnPong            func(rtt time.Duration)
	OnDisconnected    func()
	OnReconnecting    func(attempt int, delay time.Duration)
	OnReconnectFailed func()
	OnError           func(err error)
}

// Client is a single, reconnecting WebSocket connection to the broker.
// It is safe for concurrent use: Send* methods may be called from any
// goroutine while Run drives the connection in the background.
type Client struct {
	cfg      Config
	handlers Handlers

	mu                sync.Mutex
	conn              *websocket.Conn
	state             State
	attachedSessionID string
	lastPingSent      time.Time

	nowFn func() time.Time
}

// New constructs a Client in the disconnected state. Call Run to start
// the connect/reconnect loop.
func New(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Client{cfg: cfg, state: StateDisconnected, nowFn: time.Now}
}

// SetHandlers installs the client's event callbacks, replacing any
// previously registered set. Safe to call while Run is active in
// another goroutine; dispatch always reads a fresh snapshot under the
// same lock.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Client) snapshotHandlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttachedSessionID returns the session id this client last attached
// to, or "" if none. Used by the reconnect loop to re-issue attach
// after a successful re-authentication.
func (c *Client) AttachedSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachedSessionID
}

// connectOnce dials the broker, authenticates via the bearer header,
// and blocks reading frames until the connection closes or ctx is
// cancelled. The returned error is never nil: it is the dial, auth or
// read error that ended the attempt, and Run checks ctx itself to tell
// an explicit disconnect from a connection to retry. authenticated reports whether this
// attempt ever reached StateAuthenticated, regardless of how the
// connection later ended — Run uses that to decide whether to reset
// its backoff counter.
func (c *Client) connectOnce(ctx context.Context) (authenticated bool, err error) {
	c.setState(StateConnecting)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, dialErr := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateConnected)
	if h := c.snapshotHandlers().OnConnected; h != nil {
		h()
	}

	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	f, frameErr := c.readFrame(authCtx, conn)
	cancel()
	if frameErr != nil {
		return false, fmt.Errorf("await AUTH_OK: %w", frameErr)
	}
	if f.Kind == protocol.KindError {
		errPayload, _ := protocol.DecodeError(f)
		c.emitServerError(errPayload.Code, errPayload.Message)
		return false, fmt.Errorf("auth rejected: %s", errPayload.Code)
	}
	if f.Kind != protocol.KindAuthOK {
		return false, fmt.Errorf("expected AUTH_OK, got %v", f.Kind)
	}

	c.setState(StateAuthenticated)
	if h := c.snapshotHandlers().OnAuthenticated; h != nil {
		h()
	}

	if id := c.AttachedSessionID(); id != "" {
		_ = c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionAttach, SessionID: id})
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(heartbeatCtx)

	return true, c.readLoop(ctx, conn)
}

func (c *Client) readFrame(ctx context.Context, conn *websocket.Conn) (protocol.Frame, error) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	if msgType != websocket.MessageBinary {
		return protocol.Frame{}, fmt.Errorf("unexpected message type %v", msgType)
	}
	return protocol.Decode(data)
}

// readLoop dispatches every decoded frame to the matching handler until
// the connection errors out (closed by either side).
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		f, err := c.readFrame(ctx, conn)
		if err != nil {
			return err
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	h := c.snapshotHandlers()
	switch f.Kind {
	case protocol.KindTerminalData:
		data, err := protocol.DecodeTerminalData(f)
		if err == nil && h.OnData != nil {
			h.OnData(data)
		}
	case protocol.KindSessionOutput:
		id, data, err := protocol.DecodeSessionOutput(f)
		if err == nil {
			c.mu.Lock()
			if c.attachedSessionID == "" {
				c.attachedSessionID = id
			}
			c.mu.Unlock()
			if h.OnSessionOutput != nil {
				h.OnSessionOutput(id, data)
			}
		}
	case protocol.KindSessionList:
		sessions, err := protocol.DecodeSessionList(f)
		if err == nil && h.OnSessions != nil {
			h.OnSessions(sessions)
		}
	case protocol.KindError:
		p, err := protocol.DecodeError(f)
		if err == nil {
			c.emitServerError(p.Code, p.Message)
		}
	case protocol.KindPong:
		c.mu.Lock()
		sent := c.lastPingSent
		c.mu.Unlock()
		if !sent.IsZero() && h.OnPong != nil {
			h.OnPong(c.nowFn().Sub(sent))
		}
	}
}

func (c *Client) emitServerError(code, message string) {
	if h := c.snapshotHandlers().OnServerError; h != nil {
		h(code, message)
	}
}

// heartbeatLoop sends an app-level PING every cfg.PingInterval and
// timestamps it so dispatch can compute round-trip latency when the
// matching PONG arrives; mirrors tunnel.TunnelClient's pingLoop shape,
// minus the session-teardown-on-failure behavior (a missed PONG here
// is just a missed RTT sample, not a close — the WebSocket-level
// heartbeat owned by the broker is what decides liveness).
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.lastPingSent = c.nowFn()
			c.mu.Unlock()
			if conn == nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = conn.Write(writeCtx, websocket.MessageBinary, protocol.EncodePing())
			cancel()
		}
	}
}

func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// Send writes raw bytes to the currently attached session as a
// TERMINAL_DATA frame.
func (c *Client) Send(ctx context.Context, data []byte) error {
	return c.write(ctx, protocol.EncodeTerminalData(data))
}

// SendResize forwards a terminal resize to the currently attached
// session.
func (c *Client) SendResize(ctx context.Context, cols, rows int) error {
	return c.write(ctx, protocol.EncodeResize(cols, rows))
}

// SendSessionControl issues a create/attach/detach/destroy/list action.
// On attach it remembers the target session id so a later reconnect
// can re-attach automatically; on create it clears any previously
// attached id, since the broker assigns the new session's id and
// dispatch will pick it up from the first SESSION_OUTPUT frame.
func (c *Client) SendSessionControl(ctx context.Context, p protocol.SessionControlPayload) error {
	if err := c.write(ctx, protocol.EncodeSessionControl(p)); err != nil {
		return err
	}
	switch p.Action {
	case protocol.ActionAttach:
		c.mu.Lock()
		c.attachedSessionID = p.SessionID
		c.mu.Unlock()
	case protocol.ActionCreate:
		// The broker assigns the new session's id; this client learns
		// it from the first SESSION_OUTPUT frame (see dispatch), not
		// from this request.
		c.mu.Lock()
		c.attachedSessionID = ""
		c.mu.Unlock()
	case protocol.ActionDetach:
		c.mu.Lock()
		c.attachedSessionID = ""
		c.mu.Unlock()
	}
	return nil
}

// SendFileList, SendFileRead, and SendFileWrite issue the sandboxed
// file operations against the currently attached session.
func (c *Client) SendFileList(ctx context.Context, path string) error {
	return c.write(ctx, protocol.EncodeFileList(path, nil))
}

func (c *Client) SendFileRead(ctx context.Context, path string) error {
	return c.write(ctx, protocol.EncodeFileRead(path))
}

func (c *Client) SendFileWrite(ctx context.Context, path, content string) error {
	return c.write(ctx, protocol.EncodeFileWrite(path, content))
}

// Close closes the underlying socket, if any. Callers that also want
// to disable reconnection should stop calling Run's context instead.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}
