package broker

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ccr-tools/ccr/internal/auth"
	"github.com/ccr-tools/ccr/internal/logging"
	"github.com/ccr-tools/ccr/internal/middleware"
)

// defaultLogTailLines mirrors the teacher's default page size for an
// operator pulling recent log output without specifying ?lines=.
const defaultLogTailLines = 200

// requireDebugAuth gates the /api/debug routes the same way the WebSocket
// upgrade gates AUTH: a valid bearer token, or cfg.AuthDisabled for local
// development. Unlike the socket's auth state machine there is no frame
// fallback here — HTTP debug access is bearer-token only.
func (s *Server) requireDebugAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthDisabled {
			next(w, r)
			return
		}
		tok := middleware.ExtractBearerToken(r)
		if tok == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := auth.VerifyAccessToken(tok, s.cfg.JWTSecret); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleDebugLogs serves GET /api/debug/logs?lines=N, the operational
// escape hatch an operator reaches for when a session is misbehaving and
// they want the broker's own log tail without shelling into the host.
func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogTailLines
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"logs": content})
}

// handleDebugLogsClear serves DELETE /api/debug/logs.
func (s *Server) handleDebugLogsClear(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
