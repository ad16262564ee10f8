package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/data"
)

var licenseCols = []string{
	"id", "status", "expires_at", "max_devices", "device_type",
	"account_id", "product_ref", "created_at", "updated_at", "retired_at",
}

func TestGetByKey_Found(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	key := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(licenseCols).AddRow(
		key, "ACTIVE", nil, 5, "desktop", "acct-9001", "pro-suite", now, now, nil,
	)
	mock.ExpectQuery("FROM licenses").WillReturnRows(rows)

	l, err := m.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != data.StatusActive {
		t.Errorf("expected ACTIVE, got %s", l.Status)
	}
	if l.ExpiresAt != nil {
		t.Error("expected non-expiring license")
	}
	if l.MaxDevices != 5 {
		t.Errorf("expected max_devices 5, got %d", l.MaxDevices)
	}
}

func TestGetByKey_NotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectQuery("FROM licenses").WillReturnError(sql.ErrNoRows)

	if _, err := m.GetByKey(context.Background(), uuid.New()); err != data.ErrLicenseNotFound {
		t.Errorf("expected ErrLicenseNotFound, got %v", err)
	}
}

func TestUpdateStatus_ZeroRows(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectExec("UPDATE licenses").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := m.UpdateStatus(context.Background(), uuid.New(), data.StatusSuspended); err != data.ErrLicenseNotFound {
		t.Errorf("expected ErrLicenseNotFound for retired/missing license, got %v", err)
	}
}

func TestRetire(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectExec("UPDATE licenses").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Retire(context.Background(), uuid.New()); err != nil {
		t.Fatal(err)
	}
}

func TestBindDevice_Fresh(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	key := uuid.New()
	now := time.Now().UTC()

	// 1. Lock the license row
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"status", "expires_at", "max_devices"}).AddRow("ACTIVE", nil, 3),
	)
	// 2. No existing activation for this fingerprint
	mock.ExpectQuery("FROM device_activations").WillReturnError(sql.ErrNoRows)
	// 3. Current count is below the limit
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(
		sqlmock.NewRows([]string{"count"}).AddRow(1),
	)
	// 4. Guarded insert succeeds
	mock.ExpectQuery("INSERT INTO device_activations").WillReturnRows(
		sqlmock.NewRows([]string{"activated_at"}).AddRow(now),
	)
	mock.ExpectCommit()

	res, err := m.BindDevice(context.Background(), key, "fp-1", data.DeviceMeta{Name: "workstation"})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyBound {
		t.Error("fresh bind reported as rebind")
	}
	if res.ActiveDevices != 2 || res.MaxDevices != 3 {
		t.Errorf("unexpected counts %d/%d", res.ActiveDevices, res.MaxDevices)
	}
	if res.Activation == nil || res.Activation.Fingerprint != "fp-1" {
		t.Error("activation not returned")
	}
}

func TestBindDevice_IdempotentRebind(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	key := uuid.New()
	activated := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"status", "expires_at", "max_devices"}).AddRow("ACTIVE", nil, 3),
	)
	mock.ExpectQuery("FROM device_activations").WillReturnRows(
		sqlmock.NewRows([]string{"id", "license_id", "fingerprint", "device_name", "device_os", "os_version", "hardware_tag", "activated_at"}).
			AddRow(uuid.New(), key, "fp-1", "workstation", "linux", "6.1", "", activated),
	)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(
		sqlmock.NewRows([]string{"count"}).AddRow(2),
	)
	mock.ExpectCommit()

	res, err := m.BindDevice(context.Background(), key, "fp-1", data.DeviceMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyBound {
		t.Error("rebind not detected")
	}
	// Original activation time survives a rebind.
	if !res.Activation.ActivatedAt.Equal(activated) {
		t.Errorf("activated_at changed on rebind: %v", res.Activation.ActivatedAt)
	}
	if res.ActiveDevices != 2 {
		t.Errorf("rebind must not change the device count, got %d", res.ActiveDevices)
	}
}

func TestBindDevice_LimitReached(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"status", "expires_at", "max_devices"}).AddRow("ACTIVE", nil, 2),
	)
	mock.ExpectQuery("FROM device_activations").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(
		sqlmock.NewRows([]string{"count"}).AddRow(2),
	)
	mock.ExpectRollback()

	res, err := m.BindDevice(context.Background(), uuid.New(), "fp-new", data.DeviceMeta{})
	if err != data.ErrDeviceLimitReached {
		t.Fatalf("expected ErrDeviceLimitReached, got %v", err)
	}
	if res == nil || res.ActiveDevices != 2 || res.MaxDevices != 2 {
		t.Error("limit error must carry the counts")
	}
}

func TestBindDevice_NotBindable(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"status", "expires_at", "max_devices"}).AddRow("SUSPENDED", nil, 2),
	)
	mock.ExpectRollback()

	if _, err := m.BindDevice(context.Background(), uuid.New(), "fp-1", data.DeviceMeta{}); err != data.ErrLicenseNotBindable {
		t.Errorf("expected ErrLicenseNotBindable, got %v", err)
	}
}

func TestResetLicense(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	key := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(key),
	)
	mock.ExpectExec("DELETE FROM device_activations").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE licenses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cleared, err := m.ResetLicense(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 3 {
		t.Errorf("expected 3 cleared activations, got %d", cleared)
	}
}

func TestUnbindDevice_NotBound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := data.LicenseModel{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()),
	)
	mock.ExpectExec("DELETE FROM device_activations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := m.UnbindDevice(context.Background(), uuid.New(), "fp-missing"); err != data.ErrActivationNotFound {
		t.Errorf("expected ErrActivationNotFound, got %v", err)
	}
}
