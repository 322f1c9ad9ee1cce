package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuthenticator verifies presented API keys against a set of bcrypt
// hashes. Keys are compared hash-by-hash; the set is small (operator-managed)
// so the linear scan is irrelevant next to the bcrypt cost.
type APIKeyAuthenticator struct {
	hashes [][]byte

	// verified caches keys that already passed a bcrypt comparison so the
	// per-event ingress path pays the bcrypt cost once per key, not per
	// request.
	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewAPIKeyAuthenticator creates an authenticator over the configured
// bcrypt hashes.
func NewAPIKeyAuthenticator(hashes []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{
		hashes:   make([][]byte, 0, len(hashes)),
		verified: make(map[string]struct{}),
	}

	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}

	return a
}

// Verify reports whether the presented key matches any configured hash.
func (a *APIKeyAuthenticator) Verify(key string) bool {
	if key == "" {
		return false
	}

	a.mu.RLock()
	_, cached := a.verified[key]
	a.mu.RUnlock()

	if cached {
		return true
	}

	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			a.mu.Lock()
			a.verified[key] = struct{}{}
			a.mu.Unlock()

			return true
		}
	}

	return false
}

// Authenticate creates a middleware that requires a valid API key on every
// non-public endpoint. The key is read from X-API-Key or a Bearer token.
func Authenticate(auth *APIKeyAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			if !auth.Verify(extractAPIKey(r)) {
				logger.Warn("request rejected, invalid API key",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeProblem(w, r, logger,
					http.StatusUnauthorized,
					"Unauthorized",
					"A valid API key is required",
				)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	const bearerPrefix = "Bearer "

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}

	return ""
}
