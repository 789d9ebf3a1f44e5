package broker

import "sync"

// replayGate orders a newly-attached socket's writes: any chunk handed
// to deliver before open is called is held back instead of going out
// immediately, so the scrollback replay frame attach writes is
// guaranteed to reach the socket before the first live chunk that raced
// it. AttachClientSnapshot already rules out loss/duplication by
// registering the subscriber and snapshotting scrollback under one
// lock; replayGate is the piece that additionally preserves the
// ordering spec.md §5 promises between that snapshot and the replay
// frame actually landing on the wire.
type replayGate struct {
	mu     sync.Mutex
	opened bool
	queued [][]byte
}

// deliver reports whether chunk was queued (the gate is still closed) or
// should be written immediately (the gate is already open).
func (g *replayGate) deliver(chunk []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opened {
		return false
	}
	g.queued = append(g.queued, chunk)
	return true
}

// open marks the gate open and returns every chunk queued while it was
// closed, in arrival order. Callers must write these before treating
// any subsequent deliver call as live.
func (g *replayGate) open() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = true
	queued := g.queued
	g.queued = nil
	return queued
}
