// Package relay is C10: the thin stdin↔session bridge a terminal
// frontend drives directly. It puts the local terminal into raw mode,
// forwards stdin to the attached session and session output back to
// stdout, tracks local window size via SIGWINCH, and overlays a
// tmux-style prefix-key command layer on top of the raw byte stream.
package relay
