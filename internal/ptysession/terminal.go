package ptysession

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/ccr-tools/ccr/internal/ringbuffer"
)

// DefaultCols and DefaultRows are the PTY dimensions used when a caller
// requests a session without specifying a size.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// DefaultIdleTimeout is how long an unattached session may go without
// child activity before the idle reaper considers it for cleanup.
const DefaultIdleTimeout = 30 * time.Minute

// childCandidates is the platform-independent part of the candidate list
// consulted before falling back to PATH lookup. The broker is agnostic
// about which CLI assistant it spawns; operators set CCR_CHILD_COMMAND to
// point at a specific binary, and these names are only the convention
// used when that override is absent.
var childCandidates = []string{"claude", "ccr-agent"}

// ResolveChildPath finds the binary to spawn for new sessions. If
// override is non-empty it is used verbatim (resolved through PATH via
// exec.LookPath so relative names still work). Otherwise the platform
// candidate list is tried, then the user's $SHELL, then /bin/sh as a
// last resort so a session can always be created even without the real
// target CLI installed.
func ResolveChildPath(override string) (string, error) {
	if override != "" {
		return exec.LookPath(override)
	}
	for _, name := range childCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		if p, err := exec.LookPath(shell); err == nil {
			return p, nil
		}
	}
	return exec.LookPath("/bin/sh")
}

// Options configure a new PtySession.
type Options struct {
	Name          string
	Cwd           string
	Sandbox       string // file-op root; defaults to Cwd when empty
	Cols, Rows    int
	Command       string            // overrides ResolveChildPath's candidate list
	Args          []string
	Env           map[string]string // merged over the spawning process's environment
	ScrollbackCap int               // bytes; <=0 uses ringbuffer.DefaultMaxBytes
}

// PtySession supervises one child process spawned in a PTY. It is the
// unit of serialization for that child: its scrollback, activity clock,
// and single output subscriber are mutated only under mu, by whichever
// goroutine currently holds it (the PTY reader loop, or the broker
// handling the attached socket's frames during attach/detach swaps).
type PtySession struct {
	ID            string
	CorrelationID uuid.UUID
	Name          string
	Cwd           string
	// Sandbox is the root every file operation is resolved against,
	// always <base>/sessions/<id>/ regardless of what Cwd the child was
	// spawned with — a requested cwd only changes where the terminal
	// starts, not where FILE_LIST/FILE_READ/FILE_WRITE are allowed to see.
	Sandbox string

	mu           sync.Mutex
	cmd          *exec.Cmd
	ptmx         *os.File
	cols, rows   int
	createdAt    time.Time
	lastActivity time.Time
	exited       bool
	exitCode     int
	exitSignal   string

	scrollback *ringbuffer.Buffer
	onData     func([]byte)
	onExit     []func(code int, signal string)

	nowFn func() time.Time
}

// newPtySession spawns a child process in a PTY and starts the goroutine
// that relays its output into the session's scrollback and subscriber.
func newPtySession(id string, opts Options) (*PtySession, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	binPath, err := ResolveChildPath(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("resolve child binary: %w", err)
	}

	cmd := exec.Command(binPath, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	sandbox := opts.Sandbox
	if sandbox == "" {
		sandbox = opts.Cwd
	}

	now := time.Now()
	s := &PtySession{
		ID:            id,
		CorrelationID: uuid.New(),
		Name:          opts.Name,
		Cwd:           opts.Cwd,
		Sandbox:       sandbox,
		cmd:           cmd,
		ptmx:          ptmx,
		cols:          cols,
		rows:          rows,
		createdAt:     now,
		lastActivity:  now,
		scrollback:    ringbuffer.New(opts.ScrollbackCap),
		nowFn:         time.Now,
	}

	go s.relay()
	return s, nil
}

// buildEnv merges overlay on top of the current process environment and
// sets the terminal variables every child expects a PTY to provide.
func buildEnv(overlay map[string]string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// relay reads child output until EOF/error, pushing every chunk into the
// scrollback and to the current subscriber, then fires the exit event
// exactly once.
func (s *PtySession) relay() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleData(chunk)
		}
		if err != nil {
			s.handleExit()
			return
		}
	}
}

func (s *PtySession) handleData(chunk []byte) {
	s.mu.Lock()
	s.scrollback.Push(chunk)
	s.lastActivity = s.nowFn()
	sub := s.onData
	s.mu.Unlock()

	if sub != nil {
		sub(chunk)
	}
}

func (s *PtySession) handleExit() {
	code, signal := waitResult(s.cmd)

	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = code
	s.exitSignal = signal
	subs := append([]func(int, string){}, s.onExit...)
	s.mu.Unlock()

	s.ptmx.Close()
	for _, fn := range subs {
		fn(code, signal)
	}
}

// waitResult waits for the child and extracts an exit code/signal pair,
// tolerating a child that was already reaped (e.g. killed elsewhere).
func waitResult(cmd *exec.Cmd) (code int, signal string) {
	cmd.Wait()
	if cmd.ProcessState == nil {
		return -1, ""
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return cmd.ProcessState.ExitCode(), ws.Signal().String()
	}
	return cmd.ProcessState.ExitCode(), ""
}

// Write forwards bytes to the PTY master. It is a no-op once the child
// has exited.
func (s *PtySession) Write(b []byte) (int, error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return 0, nil
	}
	s.lastActivity = s.nowFn()
	ptmx := s.ptmx
	s.mu.Unlock()

	return ptmx.Write(b)
}

// Resize forwards a WINCH to the PTY. No-op once the child has exited.
func (s *PtySession) Resize(cols, rows int) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	s.mu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// GetScrollback returns the concatenated scrollback buffer.
func (s *PtySession) GetScrollback() []byte {
	return s.scrollback.GetAll()
}

// SetOnData installs the session's single output subscriber, replacing
// whatever was previously registered. Pass nil to detach.
func (s *PtySession) SetOnData(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

// AttachSubscriber installs fn as the session's output subscriber and
// returns the scrollback snapshot in the same locked section that
// relay's handleData uses to push a chunk and read the subscriber. That
// shared lock is what makes the two mutually exclusive: any chunk is
// either already in the returned snapshot (handleData's push happened
// first) or will be handed to fn live (this call happened first), never
// both and never neither.
func (s *PtySession) AttachSubscriber(fn func([]byte)) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
	return s.scrollback.GetAll()
}

// OnExit registers a callback fired exactly once, after the child exits.
func (s *PtySession) OnExit(fn func(code int, signal string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// IsIdle reports whether the session has seen no child activity for
// longer than timeout.
func (s *PtySession) IsIdle(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().Sub(s.lastActivity) > timeout
}

// Kill terminates the child if still running, clears the scrollback, and
// detaches every listener. Safe to call more than once.
func (s *PtySession) Kill() {
	s.mu.Lock()
	exited := s.exited
	cmd := s.cmd
	s.onData = nil
	s.mu.Unlock()

	if !exited && cmd.Process != nil {
		cmd.Process.Kill()
	}
	s.scrollback.Clear()
}

// Pid returns the child's process id, or 0 once it has exited.
func (s *PtySession) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited reports whether the child has exited, along with its exit code
// and signal (signal is "" if it exited normally).
func (s *PtySession) Exited() (exited bool, code int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode, s.exitSignal
}

// Size returns the current terminal dimensions.
func (s *PtySession) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// CreatedAt returns the session's creation instant.
func (s *PtySession) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity returns the instant of the most recent child I/O.
func (s *PtySession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetNowFunc overrides the clock used by IsIdle/LastActivity. Intended
// for tests.
func (s *PtySession) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}
