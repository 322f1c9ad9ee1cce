package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// publicEndpoints bypass authentication and rate limiting. Probes and
// scrapers must reach these even when the ingress is saturated or a key
// rotation goes wrong.
var publicEndpoints = map[string]struct{}{
	"/ping":    {},
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

func isPublicEndpoint(path string) bool {
	_, ok := publicEndpoints[path]

	return ok
}

// writeProblem emits an RFC 7807 response from middleware, which cannot
// import the api package without a cycle.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, title, detail string) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlation_id"` //nolint: tagliatelle
	}{
		Type:          fmt.Sprintf("https://testlens.io/problems/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("path", r.URL.Path),
		)
	}
}
