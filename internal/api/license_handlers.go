package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/middleware"
)

const maxRequestBody = 1 << 20

type ValidationObserver interface {
	ObserveValidation(outcome string, newlyBound bool)
}

type LicenseHandler struct {
	Service *license.Service
	Metrics ValidationObserver
}

func NewLicenseHandler(svc *license.Service, m ValidationObserver) *LicenseHandler {
	return &LicenseHandler{Service: svc, Metrics: m}
}

type validateRequest struct {
	LicenseKey        string `json:"license_key"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceMeta        struct {
		Name        string `json:"name"`
		OS          string `json:"os"`
		OSVersion   string `json:"os_version"`
		HardwareTag string `json:"hardware_tag"`
	} `json:"device_meta"`
}

type validateResponse struct {
	Valid       bool             `json:"valid"`
	License     *license.Summary `json:"license,omitempty"`
	DeviceBound bool             `json:"device_bound"`
	NewlyBound  bool             `json:"newly_bound"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
}

// Validate is the hot path: POST /api/v1/licenses/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "malformed request body", nil)
		return
	}
	key, err := uuid.Parse(req.LicenseKey)
	if err != nil {
		// A key that is not a UUID can never exist; no lookup needed.
		h.observe(gateway.CodeValidationError, false)
		gateway.WriteError(w, start, gateway.CodeValidationError, "license_key must be a UUID", nil)
		return
	}
	if req.DeviceFingerprint == "" {
		h.observe(gateway.CodeValidationError, false)
		gateway.WriteError(w, start, gateway.CodeValidationError, "device_fingerprint is required", nil)
		return
	}

	meta := data.DeviceMeta{
		Name:        req.DeviceMeta.Name,
		OS:          req.DeviceMeta.OS,
		OSVersion:   req.DeviceMeta.OSVersion,
		HardwareTag: req.DeviceMeta.HardwareTag,
	}

	res, err := h.Service.Validate(r.Context(), key, req.DeviceFingerprint, meta)
	if err != nil {
		if errors.Is(err, license.ErrFingerprintLength) {
			h.observe(gateway.CodeValidationError, false)
			gateway.WriteError(w, start, gateway.CodeValidationError, "device_fingerprint length out of bounds", nil)
			return
		}
		log.Printf("validate %s: %v", key, err)
		h.observe(gateway.CodeInternalError, false)
		gateway.WriteError(w, start, gateway.CodeInternalError, "validation unavailable", nil)
		return
	}

	if !res.OK {
		h.observe(res.Code, false)
		gateway.WriteError(w, start, res.Code, res.Message, res.Details)
		return
	}

	h.observe("OK", res.NewlyBound)
	resp := validateResponse{
		Valid:       true,
		License:     res.License,
		DeviceBound: res.DeviceBound,
		NewlyBound:  res.NewlyBound,
	}
	if !res.ActivatedAt.IsZero() {
		at := res.ActivatedAt
		resp.ActivatedAt = &at
	}
	gateway.WriteSuccess(w, start, resp)
}

// Get serves GET /api/v1/licenses/{key}. History is included only for
// clients holding the elevated read scope, with fingerprints truncated.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "license key must be a UUID", nil)
		return
	}

	sum, err := h.Service.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, data.ErrLicenseNotFound) {
			gateway.WriteError(w, start, gateway.CodeLicenseNotFound, "license not found", nil)
			return
		}
		log.Printf("get license %s: %v", key, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "lookup unavailable", nil)
		return
	}

	resp := map[string]any{"license": sum}

	if cc, ok := middleware.GetClientContext(r.Context()); ok && cc.HasScope("license:read:full") {
		acts, err := h.Service.Activations(r.Context(), key)
		if err != nil {
			log.Printf("list activations %s: %v", key, err)
			gateway.WriteError(w, start, gateway.CodeInternalError, "lookup unavailable", nil)
			return
		}
		resp["activations"] = redactActivations(acts)
	}

	gateway.WriteSuccess(w, start, resp)
}

type activationView struct {
	Fingerprint string    `json:"fingerprint"`
	DeviceName  string    `json:"device_name,omitempty"`
	DeviceOS    string    `json:"device_os,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// redactActivations truncates fingerprints so the full identifier never
// leaves the service, even for elevated readers.
func redactActivations(acts []data.DeviceActivation) []activationView {
	views := make([]activationView, 0, len(acts))
	for _, a := range acts {
		fp := a.Fingerprint
		if len(fp) > 8 {
			fp = fp[:8] + "…"
		}
		views = append(views, activationView{
			Fingerprint: fp,
			DeviceName:  a.Meta.Name,
			DeviceOS:    a.Meta.OS,
			ActivatedAt: a.ActivatedAt,
		})
	}
	return views
}

func (h *LicenseHandler) observe(outcome string, newlyBound bool) {
	if h.Metrics != nil {
		h.Metrics.ObserveValidation(outcome, newlyBound)
	}
}
