package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/technosupport/ts-license/internal/gateway"
)

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	start := time.Now().Add(-10 * time.Millisecond)
	gateway.WriteSuccess(rec, start, map[string]string{"hello": "world"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var env gateway.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Success || env.Error != nil {
		t.Error("success envelope malformed")
	}
	if env.Meta.APIVersion != "v1" {
		t.Errorf("unexpected api_version %q", env.Meta.APIVersion)
	}
	if env.Meta.Timestamp.IsZero() {
		t.Error("meta timestamp missing")
	}
	if env.Meta.ResponseTimeMs < 10 {
		t.Errorf("response time not measured from start: %d", env.Meta.ResponseTimeMs)
	}
}

func TestWriteError_StatusFollowsCode(t *testing.T) {
	cases := []struct {
		code   string
		status int
	}{
		{gateway.CodeValidationError, http.StatusBadRequest},
		{gateway.CodeAuthFailed, http.StatusUnauthorized},
		{gateway.CodeForbidden, http.StatusForbidden},
		{gateway.CodeReplayRejected, http.StatusConflict},
		{gateway.CodeRateLimited, http.StatusTooManyRequests},
		{gateway.CodeLicenseNotFound, http.StatusNotFound},
		{gateway.CodeLicenseSuspended, http.StatusForbidden},
		{gateway.CodeDeviceLimitExceeded, http.StatusForbidden},
		{gateway.CodeInternalError, http.StatusInternalServerError},
		{"SOMETHING_NEW", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		gateway.WriteError(rec, time.Now(), tc.code, "nope", nil)
		if rec.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.code, tc.status, rec.Code)
		}
		if got := rec.Header().Get(gateway.HeaderErrorCode); got != tc.code {
			t.Errorf("%s: machine code header %q", tc.code, got)
		}
	}
}

func TestWriteError_EnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	gateway.WriteError(rec, time.Now(), gateway.CodeDeviceLimitExceeded, "device limit exceeded", map[string]any{
		"max_devices":    2,
		"active_devices": 2,
	})

	var env gateway.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Success {
		t.Error("error envelope claims success")
	}
	if env.Data != nil {
		t.Error("error envelope carries data")
	}
	if env.Error == nil || env.Error.Code != gateway.CodeDeviceLimitExceeded {
		t.Fatalf("unexpected error body: %+v", env.Error)
	}
	details, ok := env.Error.Details.(map[string]any)
	if !ok {
		t.Fatal("details lost in transit")
	}
	if details["max_devices"] != float64(2) {
		t.Errorf("unexpected details: %v", details)
	}
}

func TestWriteErrorStatus_ExplicitOverride(t *testing.T) {
	rec := httptest.NewRecorder()
	gateway.WriteErrorStatus(rec, time.Now(), http.StatusOK, gateway.CodeWebhookProcessingFailed, "permanently failed", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("explicit status ignored: %d", rec.Code)
	}
	var env gateway.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Success || env.Error == nil || env.Error.Code != gateway.CodeWebhookProcessingFailed {
		t.Error("error envelope malformed under explicit status")
	}
}
