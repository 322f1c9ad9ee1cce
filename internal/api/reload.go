package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/testlens-io/sidecar/internal/config"
)

// maxReloadBodySize bounds reload payloads; a partial config is always tiny.
const maxReloadBodySize = 64 * 1024

// ReloadResponse is the POST /sidecar/config/reload response body.
type ReloadResponse struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Timestamp       string   `json:"timestamp"`
	UpdatedFields   []string `json:"updated_fields"`   //nolint: tagliatelle
	RestartRequired []string `json:"restart_required"` //nolint: tagliatelle
}

// handleConfigReload applies a partial config payload. Validation happens
// against a clone of the running config; on any error the running config is
// untouched and the handler answers 400.
func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReloadBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Reload payload exceeds the size limit"))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	result, err := s.store.Reload(body)
	if err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, ReloadResponse{
			Status:          "error",
			Message:         err.Error(),
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			UpdatedFields:   []string{},
			RestartRequired: []string{},
		})

		return
	}

	s.writeJSON(w, r, http.StatusOK, ReloadResponse{
		Status:          "ok",
		Message:         reloadMessage(result),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		UpdatedFields:   emptyIfNil(result.UpdatedFields),
		RestartRequired: emptyIfNil(result.RestartRequired),
	})
}

func reloadMessage(result *config.ReloadResult) string {
	switch {
	case len(result.UpdatedFields) == 0:
		return "configuration unchanged"
	case len(result.RestartRequired) > 0:
		return "configuration updated, some fields require restart"
	default:
		return "configuration updated"
	}
}

func emptyIfNil(fields []string) []string {
	if fields == nil {
		return []string{}
	}

	return fields
}
