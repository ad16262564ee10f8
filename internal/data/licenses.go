package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLicenseNotFound    = errors.New("license not found")
	ErrActivationNotFound = errors.New("activation not found")
	ErrDeviceLimitReached = errors.New("device limit reached")
	ErrLicenseNotBindable = errors.New("license not bindable")
)

// Status values stored in licenses.status. EXPIRED is also derived lazily
// from expires_at at read time; the stored value only catches up when an
// operation flips it.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
	StatusReset     Status = "RESET"
)

type License struct {
	ID         uuid.UUID
	Status     Status
	ExpiresAt  *time.Time // nil = non-expiring
	MaxDevices int
	DeviceType string
	AccountID  string
	ProductRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	RetiredAt  *time.Time
}

type DeviceMeta struct {
	Name        string `json:"name,omitempty"`
	OS          string `json:"os,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	HardwareTag string `json:"hardware_tag,omitempty"`
}

type DeviceActivation struct {
	ID          uuid.UUID
	LicenseID   uuid.UUID
	Fingerprint string
	Meta        DeviceMeta
	ActivatedAt time.Time
}

// LicenseModel owns the licenses and device_activations tables.
// Bind/unbind/reset for one license serialize on a FOR UPDATE row lock;
// distinct licenses never contend.
type LicenseModel struct {
	DB *sql.DB
}

const licenseColumns = `id, status, expires_at, max_devices, device_type, account_id, product_ref, created_at, updated_at, retired_at`

func scanLicense(row *sql.Row) (*License, error) {
	var l License
	var expires, retired sql.NullTime
	err := row.Scan(&l.ID, &l.Status, &expires, &l.MaxDevices, &l.DeviceType, &l.AccountID, &l.ProductRef, &l.CreatedAt, &l.UpdatedAt, &retired)
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	if retired.Valid {
		t := retired.Time
		l.RetiredAt = &t
	}
	return &l, nil
}

func (m LicenseModel) GetByKey(ctx context.Context, key uuid.UUID) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE id = $1 AND retired_at IS NULL`
	return scanLicense(m.DB.QueryRowContext(ctx, query, key))
}

func (m LicenseModel) Create(ctx context.Context, l *License) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	query := `
		INSERT INTO licenses (id, status, expires_at, max_devices, device_type, account_id, product_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	var expires any
	if l.ExpiresAt != nil {
		expires = *l.ExpiresAt
	}
	return m.DB.QueryRowContext(ctx, query,
		l.ID, l.Status, expires, l.MaxDevices, l.DeviceType, l.AccountID, l.ProductRef,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
}

// LicenseTx exposes single-statement license mutations that can run either
// directly or inside a caller-owned transaction. The webhook ledger uses it
// to commit a side effect atomically with its own row.
type LicenseTx struct {
	Q DBTX
}

// UpdateStatus flips the stored status unconditionally. Callers enforce
// transition rules.
func (t LicenseTx) UpdateStatus(ctx context.Context, key uuid.UUID, status Status) error {
	query := `
		UPDATE licenses SET status = $1, updated_at = NOW()
		WHERE id = $2 AND retired_at IS NULL`
	res, err := t.Q.ExecContext(ctx, query, status, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// ExtendExpiry pushes expires_at forward to the given time if it is later
// than the stored value (or the license never expired before).
func (t LicenseTx) ExtendExpiry(ctx context.Context, key uuid.UUID, until time.Time) error {
	query := `
		UPDATE licenses
		SET expires_at = GREATEST(COALESCE(expires_at, $1), $1), updated_at = NOW()
		WHERE id = $2 AND retired_at IS NULL`
	res, err := t.Q.ExecContext(ctx, query, until, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// UpdateStatusFrom flips the status only when the stored value matches from.
// Zero rows is not an error; the license is simply in another state.
func (t LicenseTx) UpdateStatusFrom(ctx context.Context, key uuid.UUID, from, to Status) error {
	query := `
		UPDATE licenses SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND retired_at IS NULL`
	_, err := t.Q.ExecContext(ctx, query, to, key, from)
	return err
}

func (t LicenseTx) SetMaxDevices(ctx context.Context, key uuid.UUID, max int) error {
	query := `
		UPDATE licenses SET max_devices = $1, updated_at = NOW()
		WHERE id = $2 AND retired_at IS NULL`
	res, err := t.Q.ExecContext(ctx, query, max, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

func (m LicenseModel) UpdateStatus(ctx context.Context, key uuid.UUID, status Status) error {
	return LicenseTx{Q: m.DB}.UpdateStatus(ctx, key, status)
}

func (m LicenseModel) ExtendExpiry(ctx context.Context, key uuid.UUID, until time.Time) error {
	return LicenseTx{Q: m.DB}.ExtendExpiry(ctx, key, until)
}

func (m LicenseModel) SetMaxDevices(ctx context.Context, key uuid.UUID, max int) error {
	return LicenseTx{Q: m.DB}.SetMaxDevices(ctx, key, max)
}

// Retire soft-retires a license. Rows are never physically destroyed.
func (m LicenseModel) Retire(ctx context.Context, key uuid.UUID) error {
	query := `
		UPDATE licenses SET retired_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND retired_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

func (m LicenseModel) GetActivation(ctx context.Context, key uuid.UUID, fingerprint string) (*DeviceActivation, error) {
	query := `
		SELECT id, license_id, fingerprint, device_name, device_os, os_version, hardware_tag, activated_at
		FROM device_activations
		WHERE license_id = $1 AND fingerprint = $2`
	var a DeviceActivation
	err := m.DB.QueryRowContext(ctx, query, key, fingerprint).Scan(
		&a.ID, &a.LicenseID, &a.Fingerprint, &a.Meta.Name, &a.Meta.OS, &a.Meta.OSVersion, &a.Meta.HardwareTag, &a.ActivatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrActivationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (m LicenseModel) ListActivations(ctx context.Context, key uuid.UUID) ([]DeviceActivation, error) {
	query := `
		SELECT id, license_id, fingerprint, device_name, device_os, os_version, hardware_tag, activated_at
		FROM device_activations
		WHERE license_id = $1
		ORDER BY activated_at ASC`
	rows, err := m.DB.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceActivation
	for rows.Next() {
		var a DeviceActivation
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.Fingerprint, &a.Meta.Name, &a.Meta.OS, &a.Meta.OSVersion, &a.Meta.HardwareTag, &a.ActivatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m LicenseModel) CountActivations(ctx context.Context, key uuid.UUID) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_activations WHERE license_id = $1`, key).Scan(&n)
	return n, err
}

// BindResult reports the outcome of a BindDevice attempt.
type BindResult struct {
	Activation    *DeviceActivation
	AlreadyBound  bool
	ActiveDevices int
	MaxDevices    int
}

// BindDevice binds a fingerprint to a license, or returns the existing
// activation if the fingerprint is already bound (idempotent). The whole
// sequence runs in one transaction holding the license row lock, and the
// insert itself re-checks the count, so concurrent binds can never push the
// activation count past max_devices. On a full license the error is
// ErrDeviceLimitReached with counts filled in. If the license stopped being
// bindable between the caller's status check and the lock acquisition
// (concurrent suspend/reset/expiry), ErrLicenseNotBindable is returned.
func (m LicenseModel) BindDevice(ctx context.Context, key uuid.UUID, fingerprint string, meta DeviceMeta) (*BindResult, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// 1. Lock the license row. Serializes with other binds, unbinds and
	// resets for this license only.
	var status Status
	var expires sql.NullTime
	var maxDevices int
	err = tx.QueryRowContext(ctx, `
		SELECT status, expires_at, max_devices
		FROM licenses
		WHERE id = $1 AND retired_at IS NULL
		FOR UPDATE`, key).Scan(&status, &expires, &maxDevices)
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	// 2. Re-check bindability under the lock.
	if status != StatusActive {
		return nil, ErrLicenseNotBindable
	}
	if expires.Valid && expires.Time.Before(time.Now()) {
		return nil, ErrLicenseNotBindable
	}

	// 3. Idempotent rebind: an existing activation is returned as-is.
	var existing DeviceActivation
	scanErr := tx.QueryRowContext(ctx, `
		SELECT id, license_id, fingerprint, device_name, device_os, os_version, hardware_tag, activated_at
		FROM device_activations
		WHERE license_id = $1 AND fingerprint = $2`, key, fingerprint).Scan(
		&existing.ID, &existing.LicenseID, &existing.Fingerprint,
		&existing.Meta.Name, &existing.Meta.OS, &existing.Meta.OSVersion, &existing.Meta.HardwareTag,
		&existing.ActivatedAt,
	)
	if scanErr != nil && scanErr != sql.ErrNoRows {
		return nil, scanErr
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_activations WHERE license_id = $1`, key).Scan(&count); err != nil {
		return nil, err
	}

	if scanErr == nil { // existing row found
		if cErr := tx.Commit(); cErr != nil {
			return nil, cErr
		}
		return &BindResult{Activation: &existing, AlreadyBound: true, ActiveDevices: count, MaxDevices: maxDevices}, nil
	}

	if count >= maxDevices {
		_ = tx.Rollback()
		return &BindResult{ActiveDevices: count, MaxDevices: maxDevices}, ErrDeviceLimitReached
	}

	// 4. Conditional insert. The count guard repeats inside the statement so
	// the limit holds even if the lock discipline ever regresses.
	fresh := DeviceActivation{
		ID:          uuid.New(),
		LicenseID:   key,
		Fingerprint: fingerprint,
		Meta:        meta,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO device_activations (id, license_id, fingerprint, device_name, device_os, os_version, hardware_tag)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT COUNT(*) FROM device_activations WHERE license_id = $2) < $8
		ON CONFLICT (license_id, fingerprint) DO NOTHING
		RETURNING activated_at`,
		fresh.ID, key, fingerprint, meta.Name, meta.OS, meta.OSVersion, meta.HardwareTag, maxDevices,
	).Scan(&fresh.ActivatedAt)
	if err == sql.ErrNoRows {
		// Guard refused the insert. Report as limit, never exceed it.
		_ = tx.Rollback()
		return &BindResult{ActiveDevices: count, MaxDevices: maxDevices}, ErrDeviceLimitReached
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &BindResult{Activation: &fresh, AlreadyBound: false, ActiveDevices: count + 1, MaxDevices: maxDevices}, nil
}

// UnbindDevice removes one activation. Takes the license row lock so it is
// mutually exclusive with an in-flight bind for the same license.
func (m LicenseModel) UnbindDevice(ctx context.Context, key uuid.UUID, fingerprint string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM licenses WHERE id = $1 AND retired_at IS NULL FOR UPDATE`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrLicenseNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM device_activations WHERE license_id = $1 AND fingerprint = $2`, key, fingerprint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActivationNotFound
	}
	return tx.Commit()
}

// ResetLicense clears every activation and marks the license RESET in the
// same transaction. The license then rejects validation until explicitly
// reactivated.
func (m LicenseModel) ResetLicense(ctx context.Context, key uuid.UUID) (int, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM licenses WHERE id = $1 AND retired_at IS NULL FOR UPDATE`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrLicenseNotFound
	}
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM device_activations WHERE license_id = $1`, key)
	if err != nil {
		return 0, err
	}
	cleared, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `UPDATE licenses SET status = $1, updated_at = NOW() WHERE id = $2`, StatusReset, key); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(cleared), nil
}
