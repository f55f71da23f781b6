package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"iiot-gateway/internal/apperr"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message string, cause error) *APIError {
	e := &APIError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func unauthorized(message string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: message}
}

func unavailable(message string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE", Message: message}
}

// fromError maps a domain error onto a status and code.
func fromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidEvent:
		return &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "invalid request", Details: err.Error()}
	case apperr.KindNotFound:
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case apperr.KindTransportFailure:
		return &APIError{Status: http.StatusBadGateway, Code: "DEVICE_UNREACHABLE", Message: "device transport failed", Details: err.Error()}
	case apperr.KindPersistenceFailure:
		return &APIError{Status: http.StatusServiceUnavailable, Code: "STORAGE_UNAVAILABLE", Message: "storage is unavailable", Details: err.Error()}
	default:
		return &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "an unexpected error occurred", Details: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := fromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", apiErr.Status, "error", err)
	}
	writeJSON(w, apiErr.Status, apiErr)
}
