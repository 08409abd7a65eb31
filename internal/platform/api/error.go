// Package api writes the JSON bodies shared by every HTTP endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Error codes returned in the envelope.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidDuration    = "INVALID_DURATION"
	CodeAuthMissing        = "AUTH_MISSING"
	CodeAuthInvalid        = "AUTH_INVALID"
	CodeVideoNotFound      = "VIDEO_NOT_FOUND"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodePublishFailed      = "EVENT_PUBLISH_FAILED"
	CodeNotReady           = "NOT_READY"
	CodeInternal           = "INTERNAL"
)

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message, Details: details, RequestID: requestID}})
}

func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func NotFound(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusNotFound, code, message, requestID, nil)
}

// Unavailable answers 503. A positive retryAfter is sent as Retry-After,
// rounded up to whole seconds.
func Unavailable(w http.ResponseWriter, code, message, requestID string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteError(w, http.StatusServiceUnavailable, code, message, requestID, nil)
}

func Internal(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", requestID, nil)
}
