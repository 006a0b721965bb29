package auth

import (
	"net/http"
	"strings"
)

// CredentialFromRequest returns the credential presented with a connection
// request. A bearer Authorization header wins; browsers, which cannot set
// headers on a WebSocket handshake, use the access_token query parameter.
func CredentialFromRequest(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		if tok = strings.TrimSpace(tok); tok != "" {
			return tok, true
		}
	}
	if r.URL == nil {
		return "", false
	}
	if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
		return q, true
	}
	return "", false
}
