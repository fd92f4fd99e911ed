// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/log"
	"github.com/wishreel/wishreel/internal/registry"
)

// errorBody is the wire error. Code carries the fault kind verbatim.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// envelope wraps every error response; success responses use their own
// payload shapes.
type envelope struct {
	Success bool       `json:"success"`
	Error   *errorBody `json:"error,omitempty"`
}

// statusOf maps a fault kind to its HTTP status. This table is the only
// place a kind turns into a status code.
func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindResourceExhausted, fault.KindTransient:
		return http.StatusServiceUnavailable
	case fault.KindUpstreamFailed:
		return http.StatusBadGateway
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		return http.StatusConflict
	case fault.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault renders an error as the wire envelope. Internal causes are
// logged with the request id and replaced by a generic message; every
// other kind passes its user-facing message through.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	desc := registry.Describe(err)
	code := statusOf(desc.Kind)

	msg := desc.Message
	var details map[string]string
	if desc.Stage != "" {
		details = map[string]string{"stage": desc.Stage}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
			Str(log.FieldPath, r.URL.Path).
			Msg("internal error")
		msg = "an unexpected error occurred"
		details = nil
	}

	writeJSON(w, code, envelope{Error: &errorBody{
		Code:    string(desc.Kind),
		Message: msg,
		Details: details,
	}})
}

// writeNotFound is the 404 envelope for unknown or expired task ids.
func writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, envelope{Error: &errorBody{
		Code:    string(fault.KindNotFound),
		Message: msg,
	}})
}
