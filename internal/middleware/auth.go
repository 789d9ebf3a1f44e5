package middleware

import (
	"net/http"
	"strings"
)

// ExtractBearerToken implements the broker's two out-of-band credential
// paths: an Authorization: Bearer <token> header, or (for browser clients
// that cannot set arbitrary headers on a WebSocket upgrade) a ?token=
// query parameter. It returns "" if neither is present, in which case the
// broker falls back to waiting for an in-band AUTH frame.
func ExtractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(h, prefix))
		}
	}
	return r.URL.Query().Get("token")
}
