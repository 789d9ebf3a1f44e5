package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ccr-tools/ccr/internal/client"
	"github.com/ccr-tools/ccr/internal/protocol"
)

// prefixKey is the tmux-style escape byte: a literal Ctrl+B (0x02) in
// the input stream starts a command window instead of being forwarded.
const prefixKey = 0x02

// prefixWindow is how long the relay waits for a command byte after
// prefixKey before giving up and resuming plain forwarding.
const prefixWindow = 2 * time.Second

// Relay drives one terminal's worth of stdin/stdout against a
// client.Client. It owns raw mode for its lifetime and must not be run
// concurrently with anything else reading os.Stdin.
type Relay struct {
	c      *client.Client
	stdin  io.Reader
	stdout io.Writer
	fd     int
	window time.Duration

	mu              sync.Mutex
	awaitingCommand bool
	timer           *time.Timer
	sessions        []protocol.SessionInfo
}

// New constructs a Relay. fd is the file descriptor to put into raw
// mode and to poll for window size (typically int(os.Stdin.Fd())).
func New(c *client.Client, stdin io.Reader, stdout io.Writer, fd int) *Relay {
	return &Relay{c: c, stdin: stdin, stdout: stdout, fd: fd, window: prefixWindow}
}

// Run puts the terminal into raw mode, installs the client's event
// handlers, and blocks forwarding stdin/stdout until ctx is cancelled
// or stdin hits EOF. It restores the terminal's prior mode on return.
func (r *Relay) Run(ctx context.Context) error {
	oldState, err := term.MakeRaw(r.fd)
	if err != nil {
		return fmt.Errorf("relay: set raw mode: %w", err)
	}
	defer term.Restore(r.fd, oldState)

	r.c.SetHandlers(client.Handlers{
		OnData: func(data []byte) { r.stdout.Write(data) },
		OnSessionOutput: func(id string, data []byte) {
			if id == r.c.AttachedSessionID() {
				r.stdout.Write(data)
			}
		},
		OnSessions: r.setSessions,
		OnServerError: func(code, message string) {
			fmt.Fprintf(r.stdout, "\r\n[ccr: %s] %s\r\n", code, message)
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Fprintf(r.stdout, "\r\n[ccr: reconnecting, attempt %d, in %s]\r\n", attempt, delay)
		},
	})

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	stopResize := make(chan struct{})
	defer close(stopResize)
	go r.watchResize(ctx, winch, stopResize)
	r.sendCurrentSize(ctx)

	buf := make([]byte, 4096)
	for {
		n, readErr := r.stdin.Read(buf)
		if n > 0 {
			r.handleInput(ctx, buf[:n])
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// watchResize forwards the local window size to the attached session
// on every SIGWINCH, following term.GetSize/SendResize in the shape
// exec_modes/main.go's resize goroutine uses.
func (r *Relay) watchResize(ctx context.Context, winch chan os.Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-winch:
			r.sendCurrentSize(ctx)
		}
	}
}

func (r *Relay) sendCurrentSize(ctx context.Context) {
	cols, rows, err := term.GetSize(r.fd)
	if err != nil {
		return
	}
	r.c.SendResize(ctx, cols, rows)
}

// handleInput scans one stdin read for the prefix key, forwarding data
// before it, consuming the prefix byte, and treating the very next
// byte — wherever it lands, same buffer or a later one — as a command.
// A prefix key with no eligible command byte (an explicit abort, or a
// stale prefixWindow timeout) leaves forwarding untouched once it
// resumes.
func (r *Relay) handleInput(ctx context.Context, buf []byte) {
	i := 0
	for i < len(buf) {
		r.mu.Lock()
		awaiting := r.awaitingCommand
		r.mu.Unlock()

		if awaiting {
			cmd := buf[i]
			i++
			r.disarm()
			r.runCommand(ctx, cmd)
			continue
		}

		idx := bytes.IndexByte(buf[i:], prefixKey)
		if idx < 0 {
			r.sendData(ctx, buf[i:])
			return
		}
		if idx > 0 {
			r.sendData(ctx, buf[i:i+idx])
		}
		i += idx + 1
		r.arm()
	}
}

func (r *Relay) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaitingCommand = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.window, func() {
		r.mu.Lock()
		r.awaitingCommand = false
		r.mu.Unlock()
	})
}

func (r *Relay) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaitingCommand = false
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Relay) sendData(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	r.c.Send(ctx, data)
}

func (r *Relay) setSessions(sessions []protocol.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
}

func (r *Relay) snapshotSessions() []protocol.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.SessionInfo, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// runCommand dispatches one prefix-key command byte per spec.md §4.10:
// c create, n/p next/prev, l list, d detach, ? help, 0-9 switch by
// index. Unrecognized bytes are dropped, matching tmux's own handling
// of an unbound key after its prefix.
func (r *Relay) runCommand(ctx context.Context, cmd byte) {
	switch {
	case cmd == 'c':
		r.c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionCreate})
	case cmd == 'n':
		r.switchRelative(ctx, 1)
	case cmd == 'p':
		r.switchRelative(ctx, -1)
	case cmd == 'l':
		r.printSessionList()
	case cmd == 'd':
		r.c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionDetach})
	case cmd == '?':
		r.printHelp()
	case cmd >= '0' && cmd <= '9':
		r.switchByIndex(ctx, int(cmd-'0'))
	}
}

func (r *Relay) switchRelative(ctx context.Context, delta int) {
	sessions := r.snapshotSessions()
	if len(sessions) == 0 {
		return
	}
	current := r.c.AttachedSessionID()
	at := 0
	for i, s := range sessions {
		if s.ID == current {
			at = i
			break
		}
	}
	next := ((at+delta)%len(sessions) + len(sessions)) % len(sessions)
	r.attach(ctx, sessions[next].ID)
}

func (r *Relay) switchByIndex(ctx context.Context, index int) {
	sessions := r.snapshotSessions()
	if index < 0 || index >= len(sessions) {
		return
	}
	r.attach(ctx, sessions[index].ID)
}

func (r *Relay) attach(ctx context.Context, id string) {
	r.c.SendSessionControl(ctx, protocol.SessionControlPayload{Action: protocol.ActionAttach, SessionID: id})
}

func (r *Relay) printSessionList() {
	sessions := r.snapshotSessions()
	fmt.Fprintf(r.stdout, "\r\n")
	for i, s := range sessions {
		marker := " "
		if s.ID == r.c.AttachedSessionID() {
			marker = "*"
		}
		fmt.Fprintf(r.stdout, "%s %d: %s (%s)\r\n", marker, i, s.Name, s.ID)
	}
	fmt.Fprintf(r.stdout, "\r\n")
}

func (r *Relay) printHelp() {
	fmt.Fprint(r.stdout, "\r\nccr prefix commands (Ctrl+B then):\r\n"+
		"  c  create a new session\r\n"+
		"  n  next session\r\n"+
		"  p  previous session\r\n"+
		"  l  list sessions\r\n"+
		"  d  detach\r\n"+
		"  0-9 switch to session by index\r\n"+
		"  ?  this help\r\n\r\n")
}
