// Package gateway holds the response envelope and the error taxonomy shared
// by handlers and middleware. Every response, success or failure, leaves the
// service wrapped in an Envelope with a stable machine-readable code; this is
// the single place that maps code to HTTP status.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

const APIVersion = "v1"

// Error codes returned to callers. Business rejections are expected outcomes
// and never carry internal detail beyond what the code implies.
const (
	CodeValidationError         = "VALIDATION_ERROR"
	CodeAuthFailed              = "AUTH_FAILED"
	CodeForbidden               = "FORBIDDEN"
	CodeReplayRejected          = "REPLAY_REJECTED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeLicenseNotFound         = "LICENSE_NOT_FOUND"
	CodeLicenseSuspended        = "LICENSE_SUSPENDED"
	CodeLicenseExpired          = "LICENSE_EXPIRED"
	CodeLicenseResetRequired    = "LICENSE_RESET_REQUIRED"
	CodeDeviceLimitExceeded     = "DEVICE_LIMIT_EXCEEDED"
	CodeDeviceBindingFailed     = "DEVICE_BINDING_FAILED"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeWebhookSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
	CodeWebhookProcessingFailed = "WEBHOOK_PROCESSING_FAILED"
)

var codeStatus = map[string]int{
	CodeValidationError:         http.StatusBadRequest,
	CodeAuthFailed:              http.StatusUnauthorized,
	CodeForbidden:               http.StatusForbidden,
	CodeReplayRejected:          http.StatusConflict,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeLicenseNotFound:         http.StatusNotFound,
	CodeLicenseSuspended:        http.StatusForbidden,
	CodeLicenseExpired:          http.StatusForbidden,
	CodeLicenseResetRequired:    http.StatusForbidden,
	CodeDeviceLimitExceeded:     http.StatusForbidden,
	CodeDeviceBindingFailed:     http.StatusInternalServerError,
	CodeInternalError:           http.StatusInternalServerError,
	CodeWebhookSignatureInvalid: http.StatusBadRequest,
	CodeWebhookProcessingFailed: http.StatusInternalServerError,
}

// HTTPStatus maps an error code to its HTTP-equivalent status. Unknown codes
// map to 500 rather than leaking anything surprising.
func HTTPStatus(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type Meta struct {
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	APIVersion     string    `json:"api_version"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

func newMeta(start time.Time) Meta {
	now := time.Now().UTC()
	return Meta{
		Timestamp:      now,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		APIVersion:     APIVersion,
	}
}

// WriteSuccess writes a success envelope with HTTP 200.
func WriteSuccess(w http.ResponseWriter, start time.Time, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Data: data, Meta: newMeta(start)})
}

// HeaderErrorCode mirrors the envelope's machine code so middleware above
// the handler (audit, metrics) can see it without parsing the body.
const HeaderErrorCode = "X-Error-Code"

// WriteError writes a failure envelope with the status implied by code.
func WriteError(w http.ResponseWriter, start time.Time, code, message string, details any) {
	WriteErrorStatus(w, start, HTTPStatus(code), code, message, details)
}

// WriteErrorStatus writes a failure envelope with an explicit status for the
// few callers whose transport semantics diverge from the code's default.
func WriteErrorStatus(w http.ResponseWriter, start time.Time, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderErrorCode, code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error:   &ErrorBody{Message: message, Code: code, Details: details},
		Meta:    newMeta(start),
	})
}
