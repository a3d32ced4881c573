package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/httplog"

	"message-relay/internal/relayerr"
)

// Response is the single shape every endpoint answers with.
type Response struct {
	OK        bool       `json:"ok"`
	RequestID string     `json:"request_id"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    relayerr.Code  `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(e *relayerr.Error) int {
	switch e.Code {
	case relayerr.Validation, relayerr.Decode, relayerr.UnsupportedEncoding:
		return http.StatusBadRequest
	case relayerr.Unauthorized:
		return http.StatusUnauthorized
	case relayerr.NotFound:
		return http.StatusNotFound
	case relayerr.Upstream:
		if timeout, _ := e.Details["timeout"].(bool); timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", resp.RequestID).Msg("response marshal error")
		http.Error(w, `{"ok":false,"error":{"code":"internal_error","message":"internal error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		s.log.Debug().Err(err).Msg("response write error")
	}
}

func (s *Server) writeOK(w http.ResponseWriter, r *http.Request, data any) {
	s.writeJSON(w, http.StatusOK, Response{OK: true, RequestID: RequestIDFrom(r.Context()), Data: data})
}

// writeError renders err as a failure envelope. Unclassified errors are
// reported as internal errors without leaking their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	re := relayerr.As(err)
	status := statusFor(re)
	reqID := RequestIDFrom(r.Context())
	httplog.LogEntrySetField(r.Context(), "error_code", string(re.Code))
	evt := s.log.Warn()
	if status >= http.StatusInternalServerError {
		evt = s.log.Error()
	}
	evt.Err(err).Str("request_id", reqID).Str("route", routePattern(r)).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, Response{
		OK:        false,
		RequestID: reqID,
		Error: &ErrorBody{
			Code:    re.Code,
			Message: re.Message,
			Details: re.Details,
		},
	})
}
