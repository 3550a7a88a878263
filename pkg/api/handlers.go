package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/perflens/perflens/pkg/alert"
	"github.com/perflens/perflens/pkg/lifecycle"
)

// maxBodySize bounds webhook and ping bodies. Alert payloads with large
// series fan-out stay well under this.
const maxBodySize = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTest processes one lifecycle ping and returns the post-upsert test
// run document.
func (s *server) handleTest(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.PingInput

	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	run, err := s.processor.ProcessPing(r.Context(), &in)
	if err != nil {
		var validationErr *lifecycle.ValidationError
		var duplicateErr *lifecycle.DuplicateRunError

		switch {
		case errors.As(err, &validationErr):
			writeJSON(w, http.StatusBadRequest,
				errorResponse{validationErr.Error()})
		case errors.As(err, &duplicateErr):
			writeJSON(w, http.StatusBadRequest,
				errorResponse{duplicateErr.Error()})
		default:
			s.log.WithError(err).Error("Failed to process lifecycle ping")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleGrafanaAlerts accepts both the legacy and the unified webhook
// format on the same endpoint; the body shape decides which parser runs.
func (s *server) handleGrafanaAlerts(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}

	s.processAlerts(w, r, alert.DetectGrafanaSource(payload), payload)
}

// handleKapacitorAlerts accepts Kapacitor alert webhooks.
func (s *server) handleKapacitorAlerts(
	w http.ResponseWriter, r *http.Request,
) {
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}

	s.processAlerts(w, r, alert.SourceKapacitor, payload)
}

// handlePrometheusAlerts accepts Alertmanager webhooks.
func (s *server) handlePrometheusAlerts(
	w http.ResponseWriter, r *http.Request,
) {
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}

	s.processAlerts(w, r, alert.SourceAlertmanager, payload)
}

// processAlerts runs the correlator and writes the webhook response. A
// delivery matching no run still returns 200 so the sender never retries.
func (s *server) processAlerts(
	w http.ResponseWriter,
	r *http.Request,
	source alert.Source,
	payload []byte,
) {
	matches, err := s.correlator.Process(r.Context(), source, payload)
	if err != nil {
		if errors.Is(err, alert.ErrMalformedPayload) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).
			WithField("source", string(source)).
			Error("Failed to process alert webhook")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"matches": matches})
}

// handleEvents records a free-text event against matching active runs.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var event alert.Event

	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	matches, err := s.correlator.ProcessEvent(r.Context(), &event)
	if err != nil {
		if errors.Is(err, alert.ErrMalformedPayload) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to process event")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"matches": matches})
}

// readBody reads a bounded webhook body, writing the error response itself
// on failure.
func (s *server) readBody(
	w http.ResponseWriter, r *http.Request,
) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"reading request body"})

		return nil, false
	}

	return payload, true
}
