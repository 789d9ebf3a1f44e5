// Package ptysession implements the broker's unit of work: one child
// process spawned in a pseudo-terminal, its bounded scrollback, and the
// registry that tracks every live session.
//
// A PtySession (C5 in the design) owns exactly one child process. All
// mutation of its scrollback and activity clock happens on the single
// goroutine that reads the PTY master, or on the goroutine handling the
// attached client's frames — never both at once, which is what makes a
// plain mutex sufficient here instead of a more elaborate actor model.
//
// A SessionManager (C6) is the id→session registry shared across every
// connection the broker serves. It enforces the single-attacher
// invariant and reaps sessions that have been idle, unattached, past a
// timeout.
package ptysession
