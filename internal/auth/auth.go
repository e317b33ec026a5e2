// Package auth implements the single-static-token API gate guarding every
// public route: constant-time comparison against the configured token, read
// from x-api-key or a Bearer Authorization header.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Middleware validates the caller's API key against a single configured
// static token. There is no per-user store: every successful request is
// simply "the one allowed caller", matching this proxy's single-tenant
// credential model.
type Middleware struct {
	staticToken string
}

func NewMiddleware(staticToken string) *Middleware {
	return &Middleware{staticToken: staticToken}
}

// Authenticate wraps next, rejecting any request whose key doesn't match.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.staticToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimPrefix(a, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, msg)
}
