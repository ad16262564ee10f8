package license

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/gateway"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrFingerprintLength = errors.New("fingerprint length out of bounds")
)

const (
	maxFingerprintLen = 255
	maxMetaFieldLen   = 120
)

type Repository interface {
	GetByKey(ctx context.Context, key uuid.UUID) (*data.License, error)
	Create(ctx context.Context, l *data.License) error
	UpdateStatus(ctx context.Context, key uuid.UUID, status data.Status) error
	ExtendExpiry(ctx context.Context, key uuid.UUID, until time.Time) error
	Retire(ctx context.Context, key uuid.UUID) error
	GetActivation(ctx context.Context, key uuid.UUID, fingerprint string) (*data.DeviceActivation, error)
	ListActivations(ctx context.Context, key uuid.UUID) ([]data.DeviceActivation, error)
	CountActivations(ctx context.Context, key uuid.UUID) (int, error)
	BindDevice(ctx context.Context, key uuid.UUID, fingerprint string, meta data.DeviceMeta) (*data.BindResult, error)
	UnbindDevice(ctx context.Context, key uuid.UUID, fingerprint string) error
	ResetLicense(ctx context.Context, key uuid.UUID) (int, error)
}

// EventSink receives license lifecycle events for reporting collaborators.
// Publishing must never fail the caller's own operation.
type EventSink interface {
	PublishLicenseEvent(eventType string, key uuid.UUID, fields map[string]any)
}

// Service owns the license state machine and the validation decision
// function. All read-modify-write sequences are pushed down into the
// repository's atomic operations; the service itself holds no locks.
type Service struct {
	repo   Repository
	events EventSink
	now    func() time.Time
}

func NewService(repo Repository, events EventSink) *Service {
	return &Service{repo: repo, events: events, now: time.Now}
}

func (s *Service) publish(eventType string, key uuid.UUID, fields map[string]any) {
	if s.events != nil {
		s.events.PublishLicenseEvent(eventType, key, fields)
	}
}

// expired evaluates expiry lazily against the clock. Stored EXPIRED status
// is authoritative the other way (force-expire wins even with a future
// timestamp).
func (s *Service) expired(l *data.License) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(s.now())
}

// statusRejection maps a non-bindable license to its rejection, or nil when
// the license is usable. Order matters: suspension wins over expiry,
// expiry over reset is irrelevant since both block.
func (s *Service) statusRejection(ctx context.Context, l *data.License) *ValidationResult {
	switch {
	case l.Status == data.StatusSuspended:
		return reject(gateway.CodeLicenseSuspended, "license is suspended")
	case l.Status == data.StatusExpired || s.expired(l):
		if l.Status != data.StatusExpired {
			// Opportunistic catch-up; the decision does not depend on it.
			if err := s.repo.UpdateStatus(ctx, l.ID, data.StatusExpired); err != nil {
				log.Printf("license %s: expiry catch-up failed: %v", l.ID, err)
			}
		}
		return reject(gateway.CodeLicenseExpired, "license has expired")
	case l.Status == data.StatusReset:
		return reject(gateway.CodeLicenseResetRequired, "license was reset and requires reactivation")
	}
	return nil
}

// Validate runs the validation decision for (license key, fingerprint):
// lookup, status gates, then an atomic bind that can never exceed
// max_devices under concurrency. Binding an already-bound fingerprint is a
// no-op success returning the original activation.
func (s *Service) Validate(ctx context.Context, key uuid.UUID, fingerprint string, meta data.DeviceMeta) (*ValidationResult, error) {
	if fingerprint == "" || len(fingerprint) > maxFingerprintLen {
		return nil, ErrFingerprintLength
	}
	clampMeta(&meta)

	l, err := s.repo.GetByKey(ctx, key)
	if err == data.ErrLicenseNotFound {
		return reject(gateway.CodeLicenseNotFound, "license not found"), nil
	}
	if err != nil {
		return nil, err
	}

	if r := s.statusRejection(ctx, l); r != nil {
		return r, nil
	}

	res, err := s.repo.BindDevice(ctx, key, fingerprint, meta)
	switch {
	case err == data.ErrDeviceLimitReached:
		r := reject(gateway.CodeDeviceLimitExceeded, "device limit exceeded")
		r.Details = map[string]any{
			"max_devices":    res.MaxDevices,
			"active_devices": res.ActiveDevices,
		}
		r.License = summarize(l, res.ActiveDevices)
		return r, nil
	case err == data.ErrLicenseNotBindable:
		// Lost a race with suspend/reset/expiry. Re-read and report the
		// status that won.
		fresh, rErr := s.repo.GetByKey(ctx, key)
		if rErr != nil {
			return nil, rErr
		}
		if r := s.statusRejection(ctx, fresh); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("license %s: bind refused but status %s is bindable", key, fresh.Status)
	case err == data.ErrLicenseNotFound:
		return reject(gateway.CodeLicenseNotFound, "license not found"), nil
	case err != nil:
		return nil, err
	}

	if !res.AlreadyBound {
		s.publish("license.device_bound", key, map[string]any{
			"fingerprint":    fingerprint,
			"active_devices": res.ActiveDevices,
		})
	}

	return &ValidationResult{
		OK:          true,
		License:     summarize(l, res.ActiveDevices),
		DeviceBound: true,
		NewlyBound:  !res.AlreadyBound,
		ActivatedAt: res.Activation.ActivatedAt,
	}, nil
}

// Get returns the summary for the read endpoint. Expiry is evaluated lazily
// here too, so a stale ACTIVE row reads as EXPIRED.
func (s *Service) Get(ctx context.Context, key uuid.UUID) (*Summary, error) {
	l, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	count, err := s.repo.CountActivations(ctx, key)
	if err != nil {
		return nil, err
	}
	sum := summarize(l, count)
	if l.Status == data.StatusActive && s.expired(l) {
		sum.Status = string(data.StatusExpired)
	}
	return sum, nil
}

// Activations returns the full activation history. Callers gate this behind
// the elevated read scope.
func (s *Service) Activations(ctx context.Context, key uuid.UUID) ([]data.DeviceActivation, error) {
	if _, err := s.repo.GetByKey(ctx, key); err != nil {
		return nil, err
	}
	return s.repo.ListActivations(ctx, key)
}

func (s *Service) Create(ctx context.Context, l *data.License) error {
	if l.MaxDevices <= 0 {
		return fmt.Errorf("max_devices must be positive")
	}
	if l.Status == "" {
		l.Status = data.StatusActive
	}
	if err := s.repo.Create(ctx, l); err != nil {
		return err
	}
	s.publish("license.created", l.ID, map[string]any{"product_ref": l.ProductRef, "max_devices": l.MaxDevices})
	return nil
}

// Suspend blocks validation until Resume. Only an active license can be
// suspended; everything else is already blocked for its own reason.
func (s *Service) Suspend(ctx context.Context, key uuid.UUID) error {
	l, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if l.Status != data.StatusActive {
		return ErrInvalidTransition
	}
	if err := s.repo.UpdateStatus(ctx, key, data.StatusSuspended); err != nil {
		return err
	}
	s.publish("license.suspended", key, nil)
	return nil
}

func (s *Service) Resume(ctx context.Context, key uuid.UUID) error {
	l, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if l.Status != data.StatusSuspended {
		return ErrInvalidTransition
	}
	if err := s.repo.UpdateStatus(ctx, key, data.StatusActive); err != nil {
		return err
	}
	s.publish("license.resumed", key, nil)
	return nil
}

// ForceExpire marks a license EXPIRED regardless of its timestamp.
func (s *Service) ForceExpire(ctx context.Context, key uuid.UUID) error {
	if _, err := s.repo.GetByKey(ctx, key); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, key, data.StatusExpired); err != nil {
		return err
	}
	s.publish("license.expired", key, nil)
	return nil
}

// Reset clears all activations and leaves the license blocked until an
// explicit Reactivate. Clearing devices alone never un-resets.
func (s *Service) Reset(ctx context.Context, key uuid.UUID) (int, error) {
	cleared, err := s.repo.ResetLicense(ctx, key)
	if err != nil {
		return 0, err
	}
	s.publish("license.reset", key, map[string]any{"cleared_devices": cleared})
	return cleared, nil
}

// Reactivate is the only way out of RESET.
func (s *Service) Reactivate(ctx context.Context, key uuid.UUID) error {
	l, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if l.Status != data.StatusReset {
		return ErrInvalidTransition
	}
	if err := s.repo.UpdateStatus(ctx, key, data.StatusActive); err != nil {
		return err
	}
	s.publish("license.reactivated", key, nil)
	return nil
}

func (s *Service) Unbind(ctx context.Context, key uuid.UUID, fingerprint string) error {
	if err := s.repo.UnbindDevice(ctx, key, fingerprint); err != nil {
		return err
	}
	s.publish("license.device_unbound", key, map[string]any{"fingerprint": fingerprint})
	return nil
}

func (s *Service) Retire(ctx context.Context, key uuid.UUID) error {
	if err := s.repo.Retire(ctx, key); err != nil {
		return err
	}
	s.publish("license.retired", key, nil)
	return nil
}

func clampMeta(m *data.DeviceMeta) {
	m.Name = clamp(m.Name, maxMetaFieldLen)
	m.OS = clamp(m.OS, maxMetaFieldLen)
	m.OSVersion = clamp(m.OSVersion, maxMetaFieldLen)
	m.HardwareTag = clamp(m.HardwareTag, maxMetaFieldLen)
}

func clamp(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
