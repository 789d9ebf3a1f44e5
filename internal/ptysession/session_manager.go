package ptysession

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ccr-tools/ccr/internal/logutil"
)

// entry is the registry's bookkeeping for one session: the session
// itself plus whichever client is currently attached to it. attached is
// an opaque key (the broker's connection identity) so this package never
// needs to know anything about WebSockets.
type entry struct {
	session  *PtySession
	attached any // nil when detached
}

// SessionManager is the id→session registry shared by every connection
// the broker serves. Registry mutations (insert/remove, attach/detach)
// are atomic relative to each other under mu; reads take a snapshot.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*entry
	basePath   string
	idleTimeout time.Duration
	scrollbackCap int
}

// Config configures a SessionManager.
type Config struct {
	BasePath      string        // sessions are sandboxed under <BasePath>/sessions/<id>/
	IdleTimeout   time.Duration // <=0 uses DefaultIdleTimeout
	ScrollbackCap int           // bytes; <=0 uses ringbuffer.DefaultMaxBytes
}

// New creates an empty SessionManager.
func New(cfg Config) *SessionManager {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &SessionManager{
		sessions:      make(map[string]*entry),
		basePath:      cfg.BasePath,
		idleTimeout:   idle,
		scrollbackCap: cfg.ScrollbackCap,
	}
}

// CreateOptions are the caller-supplied parts of CreateSession; ID,
// ScrollbackCap, and the sandbox Cwd default are filled in by the
// manager.
type CreateOptions struct {
	Name    string
	Cwd     string
	Cols    int
	Rows    int
	Command string
}

// CreateSession generates a fresh id, provisions its sandbox directory,
// spawns the child, and registers the session with no attached client.
func (sm *SessionManager) CreateSession(opts CreateOptions) (*PtySession, error) {
	id, err := sm.freshID()
	if err != nil {
		return nil, err
	}

	sandbox := filepath.Join(sm.basePath, "sessions", id)
	if err := os.MkdirAll(sandbox, 0o700); err != nil {
		return nil, fmt.Errorf("create session sandbox: %w", err)
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = sandbox
	}
	name := opts.Name
	if name == "" {
		name = "session-" + id
	}

	session, err := newPtySession(id, Options{
		Name:          name,
		Cwd:           cwd,
		Sandbox:       sandbox,
		Cols:          opts.Cols,
		Rows:          opts.Rows,
		Command:       opts.Command,
		ScrollbackCap: sm.scrollbackCap,
	})
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	sm.sessions[id] = &entry{session: session}
	sm.mu.Unlock()

	session.OnExit(func(code int, signal string) {
		log.Printf("[session-mgr] session %s exited (code=%d signal=%s)", id, code, signal)
		sm.remove(id)
	})

	log.Printf("[session-mgr] created session %s (%s) cwd=%s", id, logutil.SanitizeForLog(name), logutil.SanitizeForLog(cwd))
	return session, nil
}

// freshID generates 8 lowercase hex characters, retrying until it finds
// one not already present in the registry.
func (sm *SessionManager) freshID() (string, error) {
	for {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		id := hex.EncodeToString(b)

		sm.mu.RLock()
		_, exists := sm.sessions[id]
		sm.mu.RUnlock()
		if !exists {
			return id, nil
		}
	}
}

// AttachClient binds client (an opaque identity owned by the broker) to
// session id, removing any previous subscription first so there is
// never more than one active subscriber. Returns false iff id is
// unknown.
func (sm *SessionManager) AttachClient(id string, client any, onData func([]byte)) bool {
	ok, _ := sm.AttachClientSnapshot(id, client, onData)
	return ok
}

// AttachClientSnapshot is AttachClient plus the scrollback snapshot
// taken in the same PtySession-locked section as the subscriber swap,
// so a chunk racing the attach is delivered either in the snapshot or
// live, never both and never neither (see PtySession.AttachSubscriber).
func (sm *SessionManager) AttachClientSnapshot(id string, client any, onData func([]byte)) (bool, []byte) {
	sm.mu.Lock()
	e, ok := sm.sessions[id]
	if ok {
		e.attached = client
	}
	sm.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, e.session.AttachSubscriber(onData)
}

// DetachClient unbinds whatever client is currently attached to id.
// Idempotent; a no-op for an unknown id.
func (sm *SessionManager) DetachClient(id string) {
	sm.mu.Lock()
	e, ok := sm.sessions[id]
	if ok {
		e.attached = nil
	}
	sm.mu.Unlock()

	if ok {
		e.session.SetOnData(nil)
	}
}

// GetSession returns the session for id, or nil if unknown.
func (sm *SessionManager) GetSession(id string) *PtySession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	e, ok := sm.sessions[id]
	if !ok {
		return nil
	}
	return e.session
}

// GetSessionForClient returns the session client is currently attached
// to, or nil if client holds no attachment.
func (sm *SessionManager) GetSessionForClient(client any) *PtySession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, e := range sm.sessions {
		if e.attached == client {
			return e.session
		}
	}
	return nil
}

// ListedSession is one snapshot row returned by ListSessions.
type ListedSession struct {
	ID           string
	Name         string
	Cwd          string
	CreatedAt    time.Time
	LastActivity time.Time
	Connected    bool
	Pid          int
}

// ListSessions returns a fresh snapshot of every registered session,
// each carrying its current attachment flag.
func (sm *SessionManager) ListSessions() []ListedSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]ListedSession, 0, len(sm.sessions))
	for id, e := range sm.sessions {
		out = append(out, ListedSession{
			ID:           id,
			Name:         e.session.Name,
			Cwd:          e.session.Cwd,
			CreatedAt:    e.session.CreatedAt(),
			LastActivity: e.session.LastActivity(),
			Connected:    e.attached != nil,
			Pid:          e.session.Pid(),
		})
	}
	return out
}

// DestroySession kills the child and removes the entry. Returns false
// iff id is unknown.
func (sm *SessionManager) DestroySession(id string) bool {
	sm.mu.Lock()
	e, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return false
	}
	e.session.Kill()
	return true
}

// remove drops id from the registry without killing the child — used
// from the session's own exit callback, where the child is already
// dead.
func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// CleanupIdleSessions kills and removes every session with no attached
// client whose PtySession.IsIdle reports true. Returns the count
// cleaned. A panic while cleaning one session is recovered and logged
// so it cannot take the rest of the sweep down with it.
func (sm *SessionManager) CleanupIdleSessions() int {
	sm.mu.RLock()
	var candidates []string
	for id, e := range sm.sessions {
		if e.attached == nil && e.session.IsIdle(sm.idleTimeout) {
			candidates = append(candidates, id)
		}
	}
	sm.mu.RUnlock()

	cleaned := 0
	for _, id := range candidates {
		if sm.cleanupOne(id) {
			cleaned++
		}
	}
	return cleaned
}

func (sm *SessionManager) cleanupOne(id string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session-mgr] panic cleaning up session %s: %v", id, r)
			ok = false
		}
	}()
	log.Printf("[session-mgr] reaping idle session %s", id)
	return sm.DestroySession(id)
}

// DestroyAll kills every session, e.g. on server shutdown.
func (sm *SessionManager) DestroyAll() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.Unlock()

	for _, id := range ids {
		sm.DestroySession(id)
	}
}

// Len returns the number of registered sessions, used by /api/health.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
