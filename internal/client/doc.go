// Package client is C9: the client-side mirror of the broker's
// WebSocket protocol. It owns exactly one connection at a time, drives
// the connect → authenticate → run state machine, reconnects with
// exponential backoff and jitter on an unexpected close, and fans
// decoded frames out to callers as typed events rather than raw bytes.
package client
