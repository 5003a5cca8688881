package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope (spec.md §6).
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Type          string `json:"type,omitempty"`
	CurrentUsage  *int   `json:"current_usage,omitempty"`
	DailyLimit    *int   `json:"daily_limit,omitempty"`
	Details       string `json:"details,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, correlationID, kind, message string) {
	Respond(w, status, ErrorResponse{
		Error:         kind,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// ErrorOption customizes an ErrorResponse with the kind-specific fields
// spec.md §6 names (current_usage/daily_limit for quota errors, type for
// invalid-model errors, details for upstream errors).
type ErrorOption func(*ErrorResponse)

// WithUsageFields attaches current_usage/daily_limit to a quota error.
func WithUsageFields(current, limit int) ErrorOption {
	return func(e *ErrorResponse) {
		e.CurrentUsage = &current
		e.DailyLimit = &limit
	}
}

// WithType attaches the error-classification "type" field.
func WithType(t string) ErrorOption {
	return func(e *ErrorResponse) { e.Type = t }
}

// WithDetails attaches the raw upstream error body.
func WithDetails(details string) ErrorOption {
	return func(e *ErrorResponse) { e.Details = details }
}

// RespondErrorWith writes a JSON error response with additional
// kind-specific fields applied via ErrorOption.
func RespondErrorWith(w http.ResponseWriter, status int, correlationID, kind, message string, opts ...ErrorOption) {
	resp := ErrorResponse{Error: kind, Message: message, CorrelationID: correlationID}
	for _, opt := range opts {
		opt(&resp)
	}
	Respond(w, status, resp)
}
