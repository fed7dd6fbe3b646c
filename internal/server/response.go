package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xuxu777xu/CodePilot-sub000/internal/permission"
	"github.com/xuxu777xu/CodePilot-sub000/internal/storage"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeProviderError  = "PROVIDER_ERROR"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// domainErrors maps package sentinels onto HTTP responses. First match wins.
var domainErrors = []struct {
	target error
	status int
	code   string
}{
	{stream.ErrRegistryClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{permission.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{stream.ErrPermissionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{permission.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{storage.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{permission.ErrDuplicateID, http.StatusConflict, ErrCodeConflict},
}

// errorStatus returns the status and code for err. Transport failures
// reaching the agent endpoint are reported as 502; anything else is a 500.
func errorStatus(err error) (int, string) {
	for _, de := range domainErrors {
		if errors.Is(err, de.target) {
			return de.status, de.code
		}
	}
	var te *stream.TransportError
	if errors.As(err, &te) {
		return http.StatusBadGateway, ErrCodeProviderError
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeDomainError writes err using the status and code from errorStatus.
func writeDomainError(w http.ResponseWriter, err error, details map[string]any) {
	status, code := errorStatus(err)
	writeErrorWithDetails(w, status, code, err.Error(), details)
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decodeBody decodes a JSON request body into v. An empty body is an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
