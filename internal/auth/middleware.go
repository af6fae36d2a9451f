// Package auth provides the optional static API key middleware for the
// control plane. With no key configured the daemon is open, which is the
// expected mode behind a trusted network boundary; setting LOON_API_KEY
// makes every /api/v1 request carry "Authorization: Bearer <key>".
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// unauthorizedBody matches the control plane's error envelope.
const unauthorizedBody = `{"error":{"code":"missing or invalid API key","type":"UNAUTHORIZED"}}`

// APIKey returns a middleware that validates requests against a static API
// key from the "Authorization: Bearer <key>" header. An empty key disables
// the check. Comparison is constant-time.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(unauthorizedBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
