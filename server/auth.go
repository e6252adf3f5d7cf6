package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// openPaths stay reachable without credentials so probes and metric
// scrapers keep working when a token is configured.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware validates the shared token on media routes. When
// AuthToken is empty, the middleware is a no-op (allows unauthenticated
// access). Media elements cannot attach request headers, so the token is
// also accepted as a "token" query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		provided := requestToken(r)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestToken pulls the bearer token from the Authorization header,
// falling back to the token query parameter. An Authorization header
// with a different scheme wins over the query parameter and fails.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	// denials must never be held by downstream caches
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
