package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/clients"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/license"
)

// AdminHandler serves the operator surface: license lifecycle transitions,
// API client management, the audit query endpoint and the failed-webhook
// list. All routes sit behind operator bearer auth.
type AdminHandler struct {
	Service  *license.Service
	Clients  data.ClientModel
	Registry *clients.Registry
	Audit    *audit.Service
	Webhooks data.WebhookModel
}

type createLicenseRequest struct {
	MaxDevices int        `json:"max_devices"`
	ExpiresAt  *time.Time `json:"expires_at"`
	DeviceType string     `json:"device_type"`
	AccountID  string     `json:"account_id"`
	ProductRef string     `json:"product_ref"`
}

func (h *AdminHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req createLicenseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "malformed request body", nil)
		return
	}
	if req.MaxDevices <= 0 {
		gateway.WriteError(w, start, gateway.CodeValidationError, "max_devices must be positive", nil)
		return
	}

	l := &data.License{
		ID:         uuid.New(),
		Status:     data.StatusActive,
		ExpiresAt:  req.ExpiresAt,
		MaxDevices: req.MaxDevices,
		DeviceType: req.DeviceType,
		AccountID:  req.AccountID,
		ProductRef: req.ProductRef,
	}
	if err := h.Service.Create(r.Context(), l); err != nil {
		log.Printf("create license: %v", err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "create failed", nil)
		return
	}
	gateway.WriteSuccess(w, start, map[string]any{"license_key": l.ID})
}

// transition wraps the shared plumbing of the state-machine endpoints.
func (h *AdminHandler) transition(w http.ResponseWriter, r *http.Request, op func(key uuid.UUID) error) {
	start := time.Now()

	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "license key must be a UUID", nil)
		return
	}

	switch err := op(key); {
	case err == nil:
		gateway.WriteSuccess(w, start, map[string]any{"license_key": key})
	case errors.Is(err, data.ErrLicenseNotFound):
		gateway.WriteError(w, start, gateway.CodeLicenseNotFound, "license not found", nil)
	case errors.Is(err, license.ErrInvalidTransition):
		gateway.WriteError(w, start, gateway.CodeValidationError, "transition not allowed from current status", nil)
	default:
		log.Printf("license %s transition: %v", key, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "operation failed", nil)
	}
}

func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(key uuid.UUID) error { return h.Service.Suspend(r.Context(), key) })
}

func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(key uuid.UUID) error { return h.Service.Resume(r.Context(), key) })
}

func (h *AdminHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(key uuid.UUID) error { return h.Service.ForceExpire(r.Context(), key) })
}

func (h *AdminHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(key uuid.UUID) error { return h.Service.Reactivate(r.Context(), key) })
}

func (h *AdminHandler) Retire(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(key uuid.UUID) error { return h.Service.Retire(r.Context(), key) })
}

func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "license key must be a UUID", nil)
		return
	}

	cleared, err := h.Service.Reset(r.Context(), key)
	if err != nil {
		if errors.Is(err, data.ErrLicenseNotFound) {
			gateway.WriteError(w, start, gateway.CodeLicenseNotFound, "license not found", nil)
			return
		}
		log.Printf("reset %s: %v", key, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "reset failed", nil)
		return
	}
	gateway.WriteSuccess(w, start, map[string]any{"license_key": key, "cleared_devices": cleared})
}

func (h *AdminHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	key, err := uuid.Parse(chi.URLParam(r, "key"))
	if err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "license key must be a UUID", nil)
		return
	}
	fingerprint := chi.URLParam(r, "fingerprint")
	if fingerprint == "" {
		gateway.WriteError(w, start, gateway.CodeValidationError, "fingerprint required", nil)
		return
	}

	switch err := h.Service.Unbind(r.Context(), key, fingerprint); {
	case err == nil:
		gateway.WriteSuccess(w, start, map[string]any{"license_key": key})
	case errors.Is(err, data.ErrLicenseNotFound):
		gateway.WriteError(w, start, gateway.CodeLicenseNotFound, "license not found", nil)
	case errors.Is(err, data.ErrActivationNotFound):
		gateway.WriteError(w, start, gateway.CodeValidationError, "device not bound to this license", nil)
	default:
		log.Printf("unbind %s: %v", key, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "unbind failed", nil)
	}
}

type createClientRequest struct {
	ClientID string   `json:"client_id"`
	Secret   string   `json:"secret"`
	Scopes   []string `json:"scopes"`
}

func (h *AdminHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req createClientRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "malformed request body", nil)
		return
	}
	if req.ClientID == "" || len(req.Secret) < 16 {
		gateway.WriteError(w, start, gateway.CodeValidationError, "client_id required and secret must be at least 16 chars", nil)
		return
	}

	hash, err := clients.HashSecret(req.Secret)
	if err != nil {
		log.Printf("hash client secret: %v", err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "create failed", nil)
		return
	}

	c := &data.ApiClient{
		ID:         req.ClientID,
		SecretHash: hash,
		Scopes:     req.Scopes,
		Enabled:    true,
	}
	if err := h.Clients.Create(r.Context(), c); err != nil {
		if errors.Is(err, data.ErrDuplicate) {
			gateway.WriteError(w, start, gateway.CodeValidationError, "client_id already exists", nil)
			return
		}
		log.Printf("create client %s: %v", req.ClientID, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "create failed", nil)
		return
	}
	gateway.WriteSuccess(w, start, map[string]any{"client_id": c.ID, "scopes": c.Scopes})
}

func (h *AdminHandler) SetClientEnabled(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id := chi.URLParam(r, "id")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		gateway.WriteError(w, start, gateway.CodeValidationError, "malformed request body", nil)
		return
	}

	if err := h.Clients.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, data.ErrClientNotFound) {
			gateway.WriteError(w, start, gateway.CodeValidationError, "client not found", nil)
			return
		}
		log.Printf("set client %s enabled=%v: %v", id, req.Enabled, err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "update failed", nil)
		return
	}
	// The auth cache may still hold the old row for its TTL.
	h.Registry.Invalidate(id)
	gateway.WriteSuccess(w, start, map[string]any{"client_id": id, "enabled": req.Enabled})
}

func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	q := r.URL.Query()
	f := audit.Filter{
		ClientID: q.Get("client_id"),
		Result:   q.Get("result"),
		Endpoint: q.Get("endpoint"),
		Cursor:   q.Get("cursor"),
	}
	if l := q.Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			f.Limit = v
		}
	}

	records, next, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		log.Printf("audit query: %v", err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "audit query failed", nil)
		return
	}
	gateway.WriteSuccess(w, start, map[string]any{"records": records, "next_cursor": next})
}

func (h *AdminHandler) ListFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	events, err := h.Webhooks.ListFailed(r.Context(), limit)
	if err != nil {
		log.Printf("list failed webhooks: %v", err)
		gateway.WriteError(w, start, gateway.CodeInternalError, "query failed", nil)
		return
	}
	gateway.WriteSuccess(w, start, map[string]any{"events": events})
}
