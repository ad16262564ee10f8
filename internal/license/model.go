package license

import (
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
)

// Summary is the redacted license view returned to API callers.
type Summary struct {
	LicenseKey    uuid.UUID  `json:"license_key"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxDevices    int        `json:"max_devices"`
	ActiveDevices int        `json:"active_devices"`
	DeviceType    string     `json:"device_type,omitempty"`
	ProductRef    string     `json:"product_ref,omitempty"`
}

// ValidationResult is the outcome of the validation decision function.
// Business rejections are values (OK=false with a code), not errors; only
// unexpected faults surface as errors from Validate.
type ValidationResult struct {
	OK          bool
	Code        string // empty when OK
	Message     string
	Details     map[string]any
	License     *Summary
	DeviceBound bool
	NewlyBound  bool
	ActivatedAt time.Time
}

func reject(code, message string) *ValidationResult {
	return &ValidationResult{Code: code, Message: message}
}

func summarize(l *data.License, active int) *Summary {
	return &Summary{
		LicenseKey:    l.ID,
		Status:        string(l.Status),
		ExpiresAt:     l.ExpiresAt,
		MaxDevices:    l.MaxDevices,
		ActiveDevices: active,
		DeviceType:    l.DeviceType,
		ProductRef:    l.ProductRef,
	}
}
