package ptysession

import (
	"os"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	dir, err := os.MkdirTemp("", "ccr-sessions-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sm := New(Config{BasePath: dir, IdleTimeout: time.Hour})
	t.Cleanup(sm.DestroyAll)
	return sm
}

func createTestSession(t *testing.T, sm *SessionManager) *PtySession {
	t.Helper()
	s, err := sm.CreateSession(CreateOptions{Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestSessionManager_CreateSession_GeneratesEightCharHexID(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	if len(s.ID) != 8 {
		t.Fatalf("session id %q has length %d, want 8", s.ID, len(s.ID))
	}
	for _, r := range s.ID {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("session id %q is not lowercase hex", s.ID)
		}
	}
}

func TestSessionManager_CreateSession_ProvisionsSandbox(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	if s.Cwd == "" {
		t.Fatal("expected a default sandbox cwd")
	}
	if _, err := os.Stat(s.Cwd); err != nil {
		t.Fatalf("sandbox directory missing: %v", err)
	}
}

func TestSessionManager_AttachClient_SingleAttacherInvariant(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	clientA, clientB := "clientA", "clientB"

	if ok := sm.AttachClient(s.ID, clientA, func([]byte) {}); !ok {
		t.Fatal("AttachClient for a known id should succeed")
	}
	if got := sm.GetSessionForClient(clientA); got != s {
		t.Fatal("clientA should be attached to s")
	}

	// Re-attaching clientB must unregister clientA's subscription first.
	if ok := sm.AttachClient(s.ID, clientB, func([]byte) {}); !ok {
		t.Fatal("AttachClient should succeed for the second client")
	}
	if got := sm.GetSessionForClient(clientA); got != nil {
		t.Fatal("clientA should no longer be attached once clientB takes over")
	}
	if got := sm.GetSessionForClient(clientB); got != s {
		t.Fatal("clientB should be attached to s")
	}
}

func TestSessionManager_AttachClient_UnknownID(t *testing.T) {
	sm := newTestManager(t)
	if ok := sm.AttachClient("deadbeef", "client", func([]byte) {}); ok {
		t.Fatal("AttachClient for an unknown id should return false")
	}
}

func TestSessionManager_DetachClient_Idempotent(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)
	sm.AttachClient(s.ID, "client", func([]byte) {})

	sm.DetachClient(s.ID)
	sm.DetachClient(s.ID) // must not panic or error

	if got := sm.GetSessionForClient("client"); got != nil {
		t.Fatal("session should show no attached client after detach")
	}
}

func TestSessionManager_ListSessions_ReflectsAttachment(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	list := sm.ListSessions()
	if len(list) != 1 || list[0].Connected {
		t.Fatalf("expected one disconnected session, got %+v", list)
	}

	sm.AttachClient(s.ID, "client", func([]byte) {})
	list = sm.ListSessions()
	if len(list) != 1 || !list[0].Connected {
		t.Fatalf("expected one connected session after attach, got %+v", list)
	}
}

func TestSessionManager_DestroySession(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	if ok := sm.DestroySession(s.ID); !ok {
		t.Fatal("DestroySession for a known id should return true")
	}
	if ok := sm.DestroySession(s.ID); ok {
		t.Fatal("DestroySession for an already-removed id should return false")
	}
	if sm.GetSession(s.ID) != nil {
		t.Fatal("destroyed session should no longer be retrievable")
	}
}

func TestSessionManager_CleanupIdleSessions(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	fixed := time.Now()
	s.SetNowFunc(func() time.Time { return fixed })
	s.mu.Lock()
	s.lastActivity = fixed
	s.mu.Unlock()

	// Not idle yet: the manager's idle timeout is an hour.
	if n := sm.CleanupIdleSessions(); n != 0 {
		t.Fatalf("CleanupIdleSessions = %d, want 0 before the timeout elapses", n)
	}

	s.SetNowFunc(func() time.Time { return fixed.Add(2 * time.Hour) })
	if n := sm.CleanupIdleSessions(); n != 1 {
		t.Fatalf("CleanupIdleSessions = %d, want 1 once idle", n)
	}
	if sm.GetSession(s.ID) != nil {
		t.Fatal("idle session should have been removed")
	}
}

func TestSessionManager_CleanupIdleSessions_SkipsAttached(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)
	sm.AttachClient(s.ID, "client", func([]byte) {})

	fixed := time.Now().Add(2 * time.Hour)
	s.SetNowFunc(func() time.Time { return fixed })
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	if n := sm.CleanupIdleSessions(); n != 0 {
		t.Fatalf("CleanupIdleSessions = %d, want 0 for an attached session regardless of idle time", n)
	}
}

func TestSessionManager_DestroyAll(t *testing.T) {
	sm := newTestManager(t)
	createTestSession(t, sm)
	createTestSession(t, sm)

	sm.DestroyAll()
	if sm.Len() != 0 {
		t.Fatalf("Len() after DestroyAll = %d, want 0", sm.Len())
	}
}

func TestSessionManager_ExitRemovesEntry(t *testing.T) {
	sm := newTestManager(t)
	s := createTestSession(t, sm)

	s.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for sm.GetSession(s.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("session entry was not removed after the child exited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
