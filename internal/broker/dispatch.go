package broker

import (
	"context"
	"errors"
	"log"

	"github.com/coder/websocket"

	"github.com/ccr-tools/ccr/internal/filesandbox"
	"github.com/ccr-tools/ccr/internal/logutil"
	"github.com/ccr-tools/ccr/internal/protocol"
	"github.com/ccr-tools/ccr/internal/ptysession"
)

// messageLoop is the broker's main per-connection loop: rate-limit,
// decode, dispatch by kind. It returns when the socket closes or errors.
func (s *Server) messageLoop(ctx context.Context, c *connection) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		if !s.limiter.Check(c.remoteAddr) {
			s.sendError(c, protocol.ErrCodeRateLimited, "rate limit exceeded")
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.sendError(c, protocol.ErrCodeParseError, err.Error())
			continue
		}

		s.dispatch(c, frame)
	}
}

func (s *Server) dispatch(c *connection, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindTerminalData:
		s.handleTerminalData(c, frame)
	case protocol.KindResize:
		s.handleResize(c, frame)
	case protocol.KindPing:
		c.writeFrame(s.writeTimeout, protocol.EncodePong())
	case protocol.KindSessionControl:
		s.handleSessionControl(c, frame)
	case protocol.KindFileList:
		s.handleFileList(c, frame)
	case protocol.KindFileRead:
		s.handleFileRead(c, frame)
	case protocol.KindFileWrite:
		s.handleFileWrite(c, frame)
	default:
		s.sendError(c, protocol.ErrCodeParseError, "unhandled frame kind")
	}
}

func (s *Server) handleTerminalData(c *connection, frame protocol.Frame) {
	id := c.getCurrentSessionID()
	if id == "" {
		s.sendError(c, protocol.ErrCodeNoSession, "no session attached")
		return
	}
	payload, err := protocol.DecodeTerminalData(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}
	session := s.sessions.GetSession(id)
	if session == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session no longer exists")
		return
	}
	session.Write(payload)
}

func (s *Server) handleResize(c *connection, frame protocol.Frame) {
	id := c.getCurrentSessionID()
	if id == "" {
		return // silent no-op per spec.md §4.8
	}
	p, err := protocol.DecodeResize(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}
	if session := s.sessions.GetSession(id); session != nil {
		session.Resize(p.Cols, p.Rows)
	}
}

// handleSessionControl implements the action sub-protocol of spec.md
// §4.8.1: create | attach | detach | destroy | list.
func (s *Server) handleSessionControl(c *connection, frame protocol.Frame) {
	p, err := protocol.DecodeSessionControl(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}

	switch p.Action {
	case protocol.ActionCreate:
		s.controlCreate(c, p)
	case protocol.ActionAttach:
		s.controlAttach(c, p)
	case protocol.ActionDetach:
		s.controlDetach(c)
	case protocol.ActionDestroy:
		s.controlDestroy(c, p)
	case protocol.ActionList:
		c.writeFrame(s.writeTimeout, protocol.EncodeSessionList(s.sessionInfos()))
	default:
		s.sendError(c, protocol.ErrCodeParseError, "unknown session_control action: "+logutil.SanitizeForLog(p.Action))
	}
}

func (s *Server) controlCreate(c *connection, p protocol.SessionControlPayload) {
	session, err := s.sessions.CreateSession(ptysession.CreateOptions{
		Name:    p.Name,
		Cwd:     p.Cwd,
		Cols:    p.Cols,
		Rows:    p.Rows,
		Command: s.cfg.ChildCommand,
	})
	if err != nil {
		log.Printf("[broker] session create failed: %v", err)
		s.sendError(c, protocol.ErrCodeFileError, "failed to create session")
		return
	}

	s.attach(c, session.ID)
	s.broadcastSessionList()
}

func (s *Server) controlAttach(c *connection, p protocol.SessionControlPayload) {
	if p.SessionID == "" {
		s.sendError(c, protocol.ErrCodeMissingSessionID, "sessionId is required")
		return
	}
	if s.sessions.GetSession(p.SessionID) == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session not found: "+logutil.SanitizeForLog(p.SessionID))
		return
	}
	s.attach(c, p.SessionID)
}

func (s *Server) controlDetach(c *connection) {
	if id := c.getCurrentSessionID(); id != "" {
		s.sessions.DetachClient(id)
		c.setCurrentSessionID("")
	}
}

func (s *Server) controlDestroy(c *connection, p protocol.SessionControlPayload) {
	if p.SessionID == "" {
		s.sendError(c, protocol.ErrCodeMissingSessionID, "sessionId is required")
		return
	}
	if !s.sessions.DestroySession(p.SessionID) {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session not found: "+logutil.SanitizeForLog(p.SessionID))
		return
	}
	if c.getCurrentSessionID() == p.SessionID {
		c.setCurrentSessionID("")
	}
	s.broadcastSessionList()
}

// attach implements spec.md §4.8's attach procedure: detach from any
// held session first, register the onData subscriber that wraps every
// chunk in SESSION_OUTPUT, set currentSessionId, then replay scrollback
// (if any) as a single TERMINAL_DATA frame before any further live
// output — so the client sees [missed bytes] + [new bytes] with no gap
// and no reordering. AttachClientSnapshot alone guarantees no chunk is
// lost or duplicated (it swaps the subscriber in and snapshots
// scrollback under one PtySession-held lock), but the replay frame
// below is still written by this goroutine after that call returns; a
// gate holds back any chunk the subscriber receives in that window so
// it can't reach the socket ahead of the replay it raced with.
func (s *Server) attach(c *connection, id string) {
	if prev := c.getCurrentSessionID(); prev != "" {
		s.sessions.DetachClient(prev)
	}

	session := s.sessions.GetSession(id)
	if session == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session not found: "+logutil.SanitizeForLog(id))
		return
	}

	gate := &replayGate{}
	onData := func(chunk []byte) {
		if gate.deliver(chunk) {
			return
		}
		c.writeFrame(s.writeTimeout, protocol.EncodeSessionOutput(id, chunk))
	}
	_, scrollback := s.sessions.AttachClientSnapshot(id, c, onData)
	c.setCurrentSessionID(id)

	if len(scrollback) > 0 {
		c.writeFrame(s.writeTimeout, protocol.EncodeTerminalData(scrollback))
	}

	for _, chunk := range gate.open() {
		c.writeFrame(s.writeTimeout, protocol.EncodeSessionOutput(id, chunk))
	}
}

func (s *Server) handleFileList(c *connection, frame protocol.Frame) {
	id := c.getCurrentSessionID()
	if id == "" {
		s.sendError(c, protocol.ErrCodeNoSession, "no session attached")
		return
	}
	p, err := protocol.DecodeFileList(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}
	session := s.sessions.GetSession(id)
	if session == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session no longer exists")
		return
	}

	entries, err := filesandbox.List(session.Sandbox, p.Path)
	if err != nil {
		s.sendFileError(c, err)
		return
	}

	files := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		files = append(files, protocol.FileEntry{Name: e.Name, Type: e.Type, Size: e.Size})
	}
	c.writeFrame(s.writeTimeout, protocol.EncodeFileList(p.Path, files))
}

func (s *Server) handleFileRead(c *connection, frame protocol.Frame) {
	id := c.getCurrentSessionID()
	if id == "" {
		s.sendError(c, protocol.ErrCodeNoSession, "no session attached")
		return
	}
	p, err := protocol.DecodeFileRead(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}
	session := s.sessions.GetSession(id)
	if session == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session no longer exists")
		return
	}

	content, language, err := filesandbox.Read(session.Sandbox, p.Path, s.cfg.FileMaxReadBytes)
	if err != nil {
		s.sendFileError(c, err)
		return
	}
	c.writeFrame(s.writeTimeout, protocol.EncodeFileContent(p.Path, string(content), language))
}

func (s *Server) handleFileWrite(c *connection, frame protocol.Frame) {
	id := c.getCurrentSessionID()
	if id == "" {
		s.sendError(c, protocol.ErrCodeNoSession, "no session attached")
		return
	}
	p, err := protocol.DecodeFileWrite(frame)
	if err != nil {
		s.sendError(c, protocol.ErrCodeParseError, err.Error())
		return
	}
	session := s.sessions.GetSession(id)
	if session == nil {
		s.sendError(c, protocol.ErrCodeSessionNotFound, "session no longer exists")
		return
	}

	if err := filesandbox.Write(session.Sandbox, p.Path, []byte(p.Content)); err != nil {
		s.sendFileError(c, err)
		return
	}
	// Echo the write back as a FILE_CONTENT frame so the client's editor
	// state and the sandbox agree without a second round-trip read.
	c.writeFrame(s.writeTimeout, protocol.EncodeFileContent(p.Path, p.Content, ""))
}

// sendFileError reports every filesandbox failure — traversal, I/O,
// too-large — uniformly as FILE_ERROR, per spec.md §7: "Failure is
// always reported as a FILE_ERROR wire frame; never as a process-level
// fault."
func (s *Server) sendFileError(c *connection, err error) {
	msg := err.Error()
	if errors.Is(err, filesandbox.ErrTraversal) {
		msg = "path traversal denied"
	}
	s.sendError(c, protocol.ErrCodeFileError, msg)
}
