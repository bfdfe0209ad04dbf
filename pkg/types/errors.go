package types

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError — structured error returned to callers
// ──────────────────────────────────────────────────────────────────────────────

// APIError carries an API error code and maps onto the wire envelope
// {"error":{"code":...,"message":...,"details":...}}.
type APIError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	HTTPCode int            `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// WriteJSON writes the error envelope to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: e})
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

// ErrSchemaInvalid is the contract-shape failure for POST /v1/events.
func ErrSchemaInvalid(msg string) *APIError {
	return &APIError{Code: "request.schema_invalid", Message: msg, HTTPCode: http.StatusBadRequest}
}

// ErrValidation is the contract-shape failure for lifecycle endpoints.
func ErrValidation(err error) *APIError {
	return &APIError{Code: "validation_error", Message: err.Error(), HTTPCode: http.StatusBadRequest}
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "unauthorized", Message: msg, HTTPCode: http.StatusUnauthorized}
}

func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "not_found", Message: msg, HTTPCode: http.StatusNotFound}
}

func ErrRateLimited() *APIError {
	return &APIError{Code: "rate_limited", Message: "too many requests", HTTPCode: http.StatusTooManyRequests}
}

// ErrPayloadMismatch reports a reused idempotency key with a different payload.
func ErrPayloadMismatch(existingHash, incomingHash string) *APIError {
	return &APIError{
		Code:    "conflict.payload_mismatch",
		Message: "idempotency key is reused with a different payload",
		Details: map[string]any{
			"existing_hash": existingHash,
			"incoming_hash": incomingHash,
		},
		HTTPCode: http.StatusConflict,
	}
}

// ErrInvalidTransition reports an illegal job or approval state transition.
func ErrInvalidTransition(from, to string) *APIError {
	return &APIError{
		Code:     "conflict.invalid_transition",
		Message:  fmt.Sprintf("illegal transition from %q to %q", from, to),
		Details:  map[string]any{"from": from, "to": to},
		HTTPCode: http.StatusConflict,
	}
}

func ErrProviderNotAllowed(provider string) *APIError {
	return &APIError{
		Code:     "policy.provider_not_allowed",
		Message:  fmt.Sprintf("provider %q is not allowed by governance policy", provider),
		HTTPCode: http.StatusBadRequest,
	}
}

func ErrActionTypeNotAllowed(actionType string) *APIError {
	return &APIError{
		Code:     "policy.action_type_not_allowed",
		Message:  fmt.Sprintf("action type %q is not allowed by governance policy", actionType),
		HTTPCode: http.StatusBadRequest,
	}
}

// ErrAuditWrite is returned when the audit chain could not be extended.
// State is already persisted; callers should retry with the same key.
func ErrAuditWrite(err error) *APIError {
	return &APIError{
		Code:     "internal.audit_write_failed",
		Message:  err.Error(),
		HTTPCode: http.StatusInternalServerError,
	}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "internal.error", Message: msg, HTTPCode: http.StatusInternalServerError}
}

// AsAPIError normalizes any error into an APIError, mapping validation
// errors to validation_error and everything else to internal.error.
func AsAPIError(err error) *APIError {
	switch e := err.(type) {
	case *APIError:
		return e
	case *ValidationError:
		return ErrValidation(e)
	default:
		return ErrInternal(err.Error())
	}
}
