package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/testlens-io/sidecar/internal/ingestion"
)

// EventResponse is the POST /events response body. Accepted and sampled-out
// submissions both answer 202; the body tells them apart.
type EventResponse struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// handleEvents ingests one event envelope. The handler never blocks beyond
// the sampler and the non-blocking enqueue; slow or oversized bodies are cut
// off at the deadline and size limits.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// The read deadline bounds slow-loris bodies independently of size.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(cfg.HTTP.RequestTimeout()))

	r.Body = http.MaxBytesReader(w, r.Body, cfg.HTTP.MaxRequestSize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Event envelope exceeds the request size limit"))

			return
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			WriteErrorResponse(w, r, s.logger, RequestTimeout("Request body was not received within the timeout"))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	var ev ingestion.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, EventResponse{
			Queued: false,
			Reason: "invalid",
			Detail: "malformed JSON envelope",
		})

		return
	}

	result, putErr := s.producer.Put(&ev)

	switch result {
	case ingestion.ResultAccepted:
		s.writeJSON(w, r, http.StatusAccepted, EventResponse{Queued: true})
	case ingestion.ResultDroppedSampled:
		s.writeJSON(w, r, http.StatusAccepted, EventResponse{Queued: false, Reason: "sampled"})
	case ingestion.ResultDroppedInvalid:
		detail := ""
		if putErr != nil {
			detail = putErr.Error()
		}

		s.writeJSON(w, r, http.StatusBadRequest, EventResponse{
			Queued: false,
			Reason: "invalid",
			Detail: detail,
		})
	case ingestion.ResultDroppedQueueFull:
		s.writeJSON(w, r, http.StatusTooManyRequests, EventResponse{Queued: false, Reason: "queue_full"})
	case ingestion.ResultDisabled:
		s.writeJSON(w, r, http.StatusServiceUnavailable, EventResponse{Queued: false, Reason: "disabled"})
	}
}

// hasJSONContentType checks if Content-Type starts with "application/json",
// allowing charset parameters.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
