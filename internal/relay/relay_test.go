package relay

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccr-tools/ccr/internal/broker"
	"github.com/ccr-tools/ccr/internal/client"
	"github.com/ccr-tools/ccr/internal/protocol"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes (from the
// client's read loop) and reads (from the test's polling assertions)
// these tests need; bytes.Buffer alone is not.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// newConnectedClient dials a throwaway broker (auth disabled, /bin/cat
// as the child) and blocks until the client has authenticated and
// received the SESSION_LIST the broker sends right after AUTH_OK, so no
// later handler swap races with that first list.
func newConnectedClient(t *testing.T) *client.Client {
	t.Helper()
	dir := t.TempDir()
	s := broker.New(broker.Config{
		AuthDisabled:       true,
		ChildCommand:       "/bin/cat",
		DataPath:           dir,
		HeartbeatInterval:  time.Hour,
		IdleReaperInterval: time.Hour,
		RateLimitMax:       10000,
		RateLimitWindow:    time.Second,
	})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	c := client.New(client.Config{URL: url})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	authed := make(chan struct{})
	listed := make(chan struct{}, 1)
	c.SetHandlers(client.Handlers{
		OnAuthenticated: func() { close(authed) },
		OnSessions: func([]protocol.SessionInfo) {
			select {
			case listed <- struct{}{}:
			default:
			}
		},
	})
	go c.Run(ctx)

	select {
	case <-authed:
	case <-time.After(2 * time.Second):
		t.Fatal("client never authenticated")
	}
	select {
	case <-listed:
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the initial SESSION_LIST")
	}
	return c
}

func newRelay(t *testing.T, c *client.Client) (*Relay, *syncBuffer) {
	t.Helper()
	stdout := &syncBuffer{}
	r := New(c, nil, stdout, -1)
	// Run() is skipped in these tests (it needs a real tty for raw
	// mode), so the handlers it would install are wired directly here.
	r.c.SetHandlers(client.Handlers{
		OnData: func(data []byte) { r.stdout.Write(data) },
		OnSessionOutput: func(id string, data []byte) {
			if id == r.c.AttachedSessionID() {
				r.stdout.Write(data)
			}
		},
		OnSessions: r.setSessions,
	})
	return r, stdout
}

func TestHandleInput_PlainDataForwarded(t *testing.T) {
	c := newConnectedClient(t)
	r, stdout := newRelay(t, c)
	ctx := context.Background()

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionCreate}); err != nil {
		t.Fatalf("create: %v", err)
	}

	r.handleInput(ctx, []byte("hello\n"))

	waitForContains(t, stdout, "hello")
	// cat prints nothing until it gets input, and the client learns the
	// new session's id from the first SESSION_OUTPUT frame, so the id is
	// only checked once the echo has arrived.
	waitForAttached(t, c)
}

func TestHandleInput_PrefixCommandConsumed(t *testing.T) {
	c := newConnectedClient(t)
	r, stdout := newRelay(t, c)
	ctx := context.Background()

	sessionsSeen := make(chan []protocol.SessionInfo, 8)
	r.c.SetHandlers(client.Handlers{
		OnData:          func(data []byte) { r.stdout.Write(data) },
		OnSessionOutput: func(id string, data []byte) { r.stdout.Write(data) },
		OnSessions: func(s []protocol.SessionInfo) {
			r.setSessions(s)
			sessionsSeen <- s
		},
	})

	// The fixture already consumed the SESSION_LIST sent on auth; request
	// a fresh (still empty) one and drain it.
	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionList}); err != nil {
		t.Fatalf("list: %v", err)
	}
	select {
	case <-sessionsSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("never saw the requested SESSION_LIST")
	}

	// Ctrl+B then 'c': create a session via the prefix-key layer rather
	// than a direct SendSessionControl call.
	r.handleInput(ctx, []byte{prefixKey, 'c'})

	select {
	case list := <-sessionsSeen:
		if len(list) != 1 {
			t.Fatalf("session list = %d entries, want 1", len(list))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prefix 'c' never triggered a session create")
	}

	_ = stdout
}

func TestHandleInput_EmbeddedPrefixIsPositional(t *testing.T) {
	c := newConnectedClient(t)
	r, stdout := newRelay(t, c)
	ctx := context.Background()

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionCreate}); err != nil {
		t.Fatalf("create: %v", err)
	}
	stdout.Reset()

	// "ab" flushes as data, prefixKey+'?' triggers help (printed
	// locally, not forwarded), "cd" flushes as data afterward.
	r.handleInput(ctx, append(append([]byte("ab"), prefixKey, '?'), []byte("cd")...))

	waitForContains(t, stdout, "ab")
	waitForContains(t, stdout, "cd")
	if !strings.Contains(stdout.String(), "prefix commands") {
		t.Fatalf("stdout = %q, want the help text to have been printed", stdout.String())
	}
	// The attached id arrives with the first SESSION_OUTPUT frame.
	waitForAttached(t, c)
}

func TestHandleInput_PrefixTimeoutResumesForwarding(t *testing.T) {
	c := newConnectedClient(t)
	r, stdout := newRelay(t, c)
	r.window = 20 * time.Millisecond
	ctx := context.Background()

	if err := c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionCreate}); err != nil {
		t.Fatalf("create: %v", err)
	}
	stdout.Reset()

	r.handleInput(ctx, []byte{prefixKey})
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	awaiting := r.awaitingCommand
	r.mu.Unlock()
	if awaiting {
		t.Fatal("awaitingCommand still true after the prefix window elapsed")
	}

	// 'x' now arrives as plain data, not a command byte, since the
	// window already timed out.
	r.handleInput(ctx, []byte("x"))
	waitForContains(t, stdout, "x")
	// The attached id arrives with the first SESSION_OUTPUT frame.
	waitForAttached(t, c)
}

func TestSwitchRelative_WrapsAround(t *testing.T) {
	c := newConnectedClient(t)
	r, _ := newRelay(t, c)
	ctx := context.Background()

	r.setSessions([]protocol.SessionInfo{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	got := r.snapshotSessions()
	if len(got) != 3 {
		t.Fatalf("snapshotSessions = %d entries, want 3", len(got))
	}

	// Nothing is attached, so the current slot counts as the first one
	// and "previous" wraps to the last.
	r.switchRelative(ctx, -1)
	if id := c.AttachedSessionID(); id != "c" {
		t.Fatalf("after previous: attached = %q, want %q", id, "c")
	}
	// "next" from the last slot wraps back to the first.
	r.switchRelative(ctx, 1)
	if id := c.AttachedSessionID(); id != "a" {
		t.Fatalf("after next: attached = %q, want %q", id, "a")
	}
}

func waitForAttached(t *testing.T, c *client.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.AttachedSessionID() != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never learned its attached session id")
}

func waitForContains(t *testing.T, buf *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stdout = %q, want it to contain %q", buf.String(), want)
}
