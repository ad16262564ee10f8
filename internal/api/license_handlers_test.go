package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/api"
	"github.com/technosupport/ts-license/internal/clients"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/middleware"
)

// stubRepo is a minimal in-memory license.Repository for handler tests; the
// service tests exercise the state machine itself.
type stubRepo struct {
	mu          sync.Mutex
	licenses    map[uuid.UUID]*data.License
	activations map[uuid.UUID]map[string]data.DeviceActivation
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		licenses:    make(map[uuid.UUID]*data.License),
		activations: make(map[uuid.UUID]map[string]data.DeviceActivation),
	}
}

func (r *stubRepo) add(l *data.License) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.licenses[l.ID] = l
	r.activations[l.ID] = make(map[string]data.DeviceActivation)
}

func (r *stubRepo) GetByKey(_ context.Context, key uuid.UUID) (*data.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.licenses[key]
	if !ok {
		return nil, data.ErrLicenseNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *stubRepo) Create(_ context.Context, l *data.License) error {
	r.add(l)
	return nil
}

func (r *stubRepo) UpdateStatus(_ context.Context, key uuid.UUID, status data.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.licenses[key]
	if !ok {
		return data.ErrLicenseNotFound
	}
	l.Status = status
	return nil
}

func (r *stubRepo) ExtendExpiry(_ context.Context, key uuid.UUID, until time.Time) error {
	return nil
}

func (r *stubRepo) Retire(_ context.Context, key uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.licenses, key)
	return nil
}

func (r *stubRepo) GetActivation(_ context.Context, key uuid.UUID, fp string) (*data.DeviceActivation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activations[key][fp]
	if !ok {
		return nil, data.ErrActivationNotFound
	}
	return &a, nil
}

func (r *stubRepo) ListActivations(_ context.Context, key uuid.UUID) ([]data.DeviceActivation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []data.DeviceActivation
	for _, a := range r.activations[key] {
		out = append(out, a)
	}
	return out, nil
}

func (r *stubRepo) CountActivations(_ context.Context, key uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activations[key]), nil
}

func (r *stubRepo) BindDevice(_ context.Context, key uuid.UUID, fp string, meta data.DeviceMeta) (*data.BindResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.licenses[key]
	if !ok {
		return nil, data.ErrLicenseNotFound
	}
	acts := r.activations[key]
	if a, bound := acts[fp]; bound {
		return &data.BindResult{Activation: &a, AlreadyBound: true, ActiveDevices: len(acts), MaxDevices: l.MaxDevices}, nil
	}
	if len(acts) >= l.MaxDevices {
		return &data.BindResult{ActiveDevices: len(acts), MaxDevices: l.MaxDevices}, data.ErrDeviceLimitReached
	}
	a := data.DeviceActivation{
		ID: uuid.New(), LicenseID: key, Fingerprint: fp, Meta: meta, ActivatedAt: time.Now().UTC(),
	}
	acts[fp] = a
	return &data.BindResult{Activation: &a, ActiveDevices: len(acts), MaxDevices: l.MaxDevices}, nil
}

func (r *stubRepo) UnbindDevice(_ context.Context, key uuid.UUID, fp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activations[key][fp]; !ok {
		return data.ErrActivationNotFound
	}
	delete(r.activations[key], fp)
	return nil
}

func (r *stubRepo) ResetLicense(_ context.Context, key uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.activations[key])
	r.activations[key] = make(map[string]data.DeviceActivation)
	if l, ok := r.licenses[key]; ok {
		l.Status = data.StatusReset
	}
	return n, nil
}

func activeLicense(repo *stubRepo, maxDevices int) uuid.UUID {
	l := &data.License{
		ID:         uuid.New(),
		Status:     data.StatusActive,
		MaxDevices: maxDevices,
		AccountID:  "acct-9001",
		ProductRef: "pro-suite",
	}
	repo.add(l)
	return l.ID
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) gateway.Envelope {
	t.Helper()
	var env gateway.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	return env
}

func postValidate(h *api.LicenseHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/licenses/validate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Validate(rec, req)
	return rec
}

func TestValidateHandler_Success(t *testing.T) {
	repo := newStubRepo()
	key := activeLicense(repo, 3)
	h := api.NewLicenseHandler(license.NewService(repo, nil), nil)

	rec := postValidate(h, `{"license_key":"`+key.String()+`","device_fingerprint":"fp-1","device_meta":{"name":"laptop","os":"linux"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatal("expected success envelope")
	}
	if env.Meta.APIVersion != gateway.APIVersion {
		t.Errorf("unexpected api_version %q", env.Meta.APIVersion)
	}
	payload, _ := json.Marshal(env.Data)
	var resp struct {
		Valid       bool `json:"valid"`
		DeviceBound bool `json:"device_bound"`
		NewlyBound  bool `json:"newly_bound"`
		License     struct {
			Status        string `json:"status"`
			ActiveDevices int    `json:"active_devices"`
		} `json:"license"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Valid || !resp.DeviceBound || !resp.NewlyBound {
		t.Errorf("unexpected flags: %+v", resp)
	}
	if resp.License.Status != "ACTIVE" || resp.License.ActiveDevices != 1 {
		t.Errorf("unexpected license summary: %+v", resp.License)
	}
}

func TestValidateHandler_MalformedBody(t *testing.T) {
	h := api.NewLicenseHandler(license.NewService(newStubRepo(), nil), nil)

	rec := postValidate(h, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error == nil || env.Error.Code != gateway.CodeValidationError {
		t.Error("expected VALIDATION_ERROR envelope")
	}
}

func TestValidateHandler_NonUUIDKey(t *testing.T) {
	h := api.NewLicenseHandler(license.NewService(newStubRepo(), nil), nil)

	rec := postValidate(h, `{"license_key":"not-a-uuid","device_fingerprint":"fp-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestValidateHandler_MissingFingerprint(t *testing.T) {
	repo := newStubRepo()
	key := activeLicense(repo, 1)
	h := api.NewLicenseHandler(license.NewService(repo, nil), nil)

	rec := postValidate(h, `{"license_key":"`+key.String()+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestValidateHandler_SuspendedRejection(t *testing.T) {
	repo := newStubRepo()
	key := activeLicense(repo, 1)
	_ = repo.UpdateStatus(context.Background(), key, data.StatusSuspended)
	h := api.NewLicenseHandler(license.NewService(repo, nil), nil)

	rec := postValidate(h, `{"license_key":"`+key.String()+`","device_fingerprint":"fp-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Error == nil || env.Error.Code != gateway.CodeLicenseSuspended {
		t.Errorf("expected LICENSE_SUSPENDED, got %+v", env.Error)
	}
	if rec.Header().Get(gateway.HeaderErrorCode) != gateway.CodeLicenseSuspended {
		t.Error("machine code header not mirrored")
	}
}

func TestValidateHandler_UnknownLicense(t *testing.T) {
	h := api.NewLicenseHandler(license.NewService(newStubRepo(), nil), nil)

	rec := postValidate(h, `{"license_key":"`+uuid.NewString()+`","device_fingerprint":"fp-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func getLicense(h *api.LicenseHandler, key string, scopes []string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/api/v1/licenses/{key}", h.Get)

	req := httptest.NewRequest("GET", "/api/v1/licenses/"+key, nil)
	if scopes != nil {
		ctx := middleware.WithClientContext(req.Context(), &middleware.ClientContext{ClientID: "client-1", Scopes: scopes})
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetHandler_ScopeGatesActivationHistory(t *testing.T) {
	repo := newStubRepo()
	key := activeLicense(repo, 3)
	svc := license.NewService(repo, nil)
	if _, err := repo.BindDevice(context.Background(), key, "fingerprint-123456", data.DeviceMeta{Name: "laptop"}); err != nil {
		t.Fatal(err)
	}
	h := api.NewLicenseHandler(svc, nil)

	// 1. Basic read scope gets the summary only
	rec := getLicense(h, key.String(), []string{clients.ScopeRead})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	body, _ := json.Marshal(env.Data)
	var plain map[string]json.RawMessage
	_ = json.Unmarshal(body, &plain)
	if _, ok := plain["activations"]; ok {
		t.Error("activation history leaked without the elevated scope")
	}

	// 2. Elevated scope gets history with truncated fingerprints
	rec = getLicense(h, key.String(), []string{clients.ScopeRead, clients.ScopeReadFull})
	env = decodeEnvelope(t, rec)
	body, _ = json.Marshal(env.Data)
	var full struct {
		Activations []struct {
			Fingerprint string `json:"fingerprint"`
			DeviceName  string `json:"device_name"`
		} `json:"activations"`
	}
	if err := json.Unmarshal(body, &full); err != nil {
		t.Fatal(err)
	}
	if len(full.Activations) != 1 {
		t.Fatalf("expected 1 activation, got %d", len(full.Activations))
	}
	if fp := full.Activations[0].Fingerprint; len(fp) >= len("fingerprint-123456") {
		t.Errorf("fingerprint not redacted: %q", fp)
	}
}

func TestGetHandler_NotFound(t *testing.T) {
	h := api.NewLicenseHandler(license.NewService(newStubRepo(), nil), nil)

	rec := getLicense(h, uuid.NewString(), []string{clients.ScopeRead})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetHandler_BadKey(t *testing.T) {
	h := api.NewLicenseHandler(license.NewService(newStubRepo(), nil), nil)

	rec := getLicense(h, "not-a-uuid", []string{clients.ScopeRead})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
