// Package broker implements C8: the WebSocket server that accepts
// client connections, runs the authentication and message state
// machines of spec.md §4.8, routes frames between sockets and PTY
// sessions, and runs the heartbeat and idle-reaper timers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ccr-tools/ccr/internal/auth"
	"github.com/ccr-tools/ccr/internal/filesandbox"
	"github.com/ccr-tools/ccr/internal/middleware"
	"github.com/ccr-tools/ccr/internal/protocol"
	"github.com/ccr-tools/ccr/internal/ptysession"
	"github.com/ccr-tools/ccr/internal/ratelimit"
)

// Config configures a Server. Zero-value durations fall back to the
// spec's stated defaults.
type Config struct {
	Host string
	Port int

	JWTSecret    string
	AuthDisabled bool // local-dev escape hatch; every socket is treated as pre-authenticated

	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	IdleReaperInterval time.Duration
	IdleSessionTimeout time.Duration
	ScrollbackMaxBytes int
	ChildCommand       string

	RateLimitMax    int
	RateLimitWindow time.Duration

	// FileMaxReadBytes caps how large a file handleFileRead will return
	// before failing with ErrTooLarge. <=0 falls back to
	// filesandbox.MaxReadBytes.
	FileMaxReadBytes int64

	DataPath string

	TLSCertFile string
	TLSKeyFile  string
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleReaperInterval <= 0 {
		c.IdleReaperInterval = 5 * time.Minute
	}
	if c.IdleSessionTimeout <= 0 {
		c.IdleSessionTimeout = ptysession.DefaultIdleTimeout
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = ratelimit.DefaultMaxRequests
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = ratelimit.DefaultWindow
	}
	if c.FileMaxReadBytes <= 0 {
		c.FileMaxReadBytes = filesandbox.MaxReadBytes
	}
	return c
}

// Server owns the session registry, rate limiter, and live connection
// registry, and serves both the HTTP health/debug routes and the
// WebSocket upgrade on one listener.
type Server struct {
	cfg      Config
	sessions *ptysession.SessionManager
	limiter  *ratelimit.Limiter
	httpSrv  *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]*connection

	writeTimeout time.Duration
}

// New constructs a Server. Call Router (or ListenAndServe) to start
// serving.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:          cfg,
		limiter:      ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		conns:        make(map[*websocket.Conn]*connection),
		writeTimeout: 5 * time.Second,
		sessions: ptysession.New(ptysession.Config{
			BasePath:      cfg.DataPath,
			IdleTimeout:   cfg.IdleSessionTimeout,
			ScrollbackCap: cfg.ScrollbackMaxBytes,
		}),
	}
	return s
}

// Sessions exposes the session registry to code outside the package.
func (s *Server) Sessions() *ptysession.SessionManager { return s.sessions }

// Router builds the chi router: health, debug, and the WebSocket
// upgrade, following the teacher's chi middleware stack (Logger,
// Recoverer, RealIP). There is no static asset route: the browser UI
// spec.md §1 places out of scope for redesign, and this broker serves
// only the protocol surface a client talks to.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/debug/logs", s.requireDebugAuth(s.handleDebugLogs))
	r.Delete("/api/debug/logs", s.requireDebugAuth(s.handleDebugLogsClear))
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Len())
}

// ListenAndServe starts the combined HTTP+WS listener and the
// heartbeat/idle-reaper timers, blocking until ctx is cancelled or the
// listener fails. TLS is used automatically when both cert and key paths
// are set.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(heartbeatCtx)
	go s.idleReaperLoop(heartbeatCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[broker] listening on %s (tls=%v)", addr, s.cfg.TLSCertFile != "")
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new connections, kills every session (spec.md
// §5: "Server shutdown kills every session"), and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.DestroyAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func newTimeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// handleWS upgrades the connection, runs the auth state machine, then
// the message loop, tearing down the connection record on exit. Panics
// within one connection's handling are recovered so a single bad
// message never brings down the listener for other clients.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[broker] accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	c := newConnection(conn, r.RemoteAddr)
	s.register(c)
	defer s.unregister(c)

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[broker] connection %s panic: %v", c.correlationID, rec)
		}
	}()

	if err := s.authenticate(r, c); err != nil {
		s.sendError(c, authErrorCode(err), err.Error())
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	c.setAuthenticated(true)
	c.writeFrame(s.writeTimeout, protocol.EncodeAuthOK())
	c.writeFrame(s.writeTimeout, protocol.EncodeSessionList(s.sessionInfos()))

	s.messageLoop(r.Context(), c)

	if id := c.getCurrentSessionID(); id != "" {
		s.sessions.DetachClient(id)
	}
	s.limiter.Remove(c.remoteAddr)
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrAuthTimeout):
		return protocol.ErrCodeAuthTimeout
	case errors.Is(err, protocol.ErrAuthRequired):
		return protocol.ErrCodeAuthRequired
	default:
		return protocol.ErrCodeAuthFailed
	}
}

// authenticate implements spec.md §4.8's three credential paths: a
// header, a query parameter, or (if neither is present) a single AUTH
// frame within cfg.AuthTimeout.
func (s *Server) authenticate(r *http.Request, c *connection) error {
	if s.cfg.AuthDisabled {
		return nil
	}

	if tok := middleware.ExtractBearerToken(r); tok != "" {
		if _, err := auth.VerifyAccessToken(tok, s.cfg.JWTSecret); err != nil {
			return protocol.ErrAuthFailed
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
	defer cancel()

	msgType, data, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.ErrAuthTimeout
	}
	if msgType != websocket.MessageBinary {
		return protocol.ErrAuthRequired
	}

	frame, err := protocol.Decode(data)
	if err != nil || frame.Kind != protocol.KindAuth {
		return protocol.ErrAuthRequired
	}

	payload, err := protocol.DecodeAuth(frame)
	if err != nil {
		return protocol.ErrAuthRequired
	}

	if _, err := auth.VerifyAccessToken(payload.Token, s.cfg.JWTSecret); err != nil {
		return protocol.ErrAuthFailed
	}
	return nil
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.conn] = c
}

func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.conn)
}

func (s *Server) sendError(c *connection, code, message string) {
	c.writeFrame(s.writeTimeout, protocol.EncodeError(code, message))
}

func (s *Server) sessionInfos() []protocol.SessionInfo {
	list := s.sessions.ListSessions()
	out := make([]protocol.SessionInfo, 0, len(list))
	for _, ls := range list {
		out = append(out, protocol.SessionInfo{
			ID:           ls.ID,
			Name:         ls.Name,
			Cwd:          ls.Cwd,
			CreatedAt:    ls.CreatedAt.Unix(),
			LastActivity: ls.LastActivity.Unix(),
			Connected:    ls.Connected,
			Pid:          ls.Pid,
		})
	}
	return out
}

// broadcastSessionList sends a fresh SESSION_LIST snapshot to every
// authenticated connection, per spec.md §4.8: "After a CREATE or
// DESTROY, the broker broadcasts the new SESSION_LIST to every
// authenticated socket."
func (s *Server) broadcastSessionList() {
	frame := protocol.EncodeSessionList(s.sessionInfos())

	s.mu.RLock()
	targets := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.isAuthenticated() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.writeFrame(s.writeTimeout, frame)
	}
}

// heartbeatLoop pings every registered connection on cfg.HeartbeatInterval.
// coder/websocket's Ping blocks until the pong arrives or ctx expires,
// which folds the node-style isAlive/pong-handler bookkeeping spec.md §9
// describes into a single round trip per cycle: a failed or timed-out
// Ping is exactly "no pong received this cycle."
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatOnce(ctx)
		}
	}
}

func (s *Server) heartbeatOnce(parent context.Context) {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		go func(c *connection) {
			pingCtx, cancel := context.WithTimeout(parent, s.cfg.HeartbeatInterval/2)
			defer cancel()
			if err := c.conn.Ping(pingCtx); err != nil {
				c.mu.Lock()
				c.lastPingOK = false
				c.mu.Unlock()
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			c.mu.Lock()
			c.lastPingOK = true
			c.mu.Unlock()
		}(c)
	}
}

// idleReaperLoop sweeps unattached, idle sessions every
// cfg.IdleReaperInterval. A panic inside one sweep never stops
// subsequent sweeps (ptysession.SessionManager already recovers
// per-session panics; this recover is the outer backstop).
func (s *Server) idleReaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[broker] idle reaper panic: %v", r)
					}
				}()
				if n := s.sessions.CleanupIdleSessions(); n > 0 {
					log.Printf("[broker] idle reaper cleaned up %d session(s)", n)
				}
			}()
		}
	}
}
