// Package filesandbox implements the broker's per-session file I/O
// surface: list/read/write calls scoped to <base>/sessions/<id>/ with a
// traversal guard that rejects any request whose resolved path would
// escape that sandbox.
//
// Every exported function takes the session's sandbox root directly
// rather than reaching into internal/ptysession itself, keeping this
// package a pure filesystem utility with no knowledge of sessions,
// sockets, or the wire protocol above it.
package filesandbox
