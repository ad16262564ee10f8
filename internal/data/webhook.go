package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Webhook ledger row states. Pending rows may be retried; processed and
// failed rows are terminal and replay their recorded outcome.
const (
	WebhookPending   = "pending"
	WebhookProcessed = "processed"
	WebhookFailed    = "failed"
)

// WebhookEvent is the idempotency ledger entry for one provider event id.
// The unique (provider, event_id) index is what turns at-least-once delivery
// into effectively-once application.
type WebhookEvent struct {
	ID          uuid.UUID
	Provider    string
	EventID     string
	Action      string
	LicenseID   *uuid.UUID
	Status      string
	Attempts    int
	Outcome     json.RawMessage
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

type WebhookModel struct {
	DB *sql.DB
}

const webhookColumns = `id, provider, event_id, action, license_id, status, attempts, outcome, last_error, created_at, processed_at`

func scanWebhookEvent(scan func(dest ...any) error) (*WebhookEvent, error) {
	var e WebhookEvent
	var licenseID sql.NullString
	var outcome []byte
	var lastErr sql.NullString
	var processedAt sql.NullTime
	err := scan(&e.ID, &e.Provider, &e.EventID, &e.Action, &licenseID, &e.Status, &e.Attempts, &outcome, &lastErr, &e.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if licenseID.Valid {
		if id, pErr := uuid.Parse(licenseID.String); pErr == nil {
			e.LicenseID = &id
		}
	}
	if len(outcome) > 0 {
		e.Outcome = json.RawMessage(outcome)
	}
	if lastErr.Valid {
		e.LastError = lastErr.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}

// Claim test-and-sets the ledger entry for (provider, event id). A fresh
// claim inserts a pending row with attempts=1. A redelivery returns the
// existing row with attempts bumped when it is still pending; terminal rows
// come back untouched so the caller can replay the recorded outcome. The
// insert-or-nothing is a single statement, so concurrent deliveries of the
// same event id resolve to exactly one fresh claim.
func (m WebhookModel) Claim(ctx context.Context, provider, eventID, action string, licenseID *uuid.UUID) (*WebhookEvent, bool, error) {
	var licArg any
	if licenseID != nil {
		licArg = *licenseID
	}
	row := m.DB.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, action, license_id, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING `+webhookColumns,
		uuid.New(), provider, eventID, action, licArg, WebhookPending,
	)
	evt, err := scanWebhookEvent(row.Scan)
	if err == nil {
		return evt, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	// Someone holds the entry already. Bump attempts only while pending.
	row = m.DB.QueryRowContext(ctx, `
		UPDATE webhook_events
		SET attempts = CASE WHEN status = $3 THEN attempts + 1 ELSE attempts END
		WHERE provider = $1 AND event_id = $2
		RETURNING `+webhookColumns,
		provider, eventID, WebhookPending,
	)
	evt, err = scanWebhookEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, false, ErrEventNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return evt, false, nil
}

// Complete applies the license side effect and records the outcome in one
// transaction. Either both are visible to later reads or neither is.
func (m WebhookModel) Complete(ctx context.Context, id uuid.UUID, outcome json.RawMessage, apply func(q DBTX) error) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if apply != nil {
		if err := apply(tx); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, outcome = $2, processed_at = NOW()
		WHERE id = $3 AND status = $4`,
		WebhookProcessed, []byte(outcome), id, WebhookPending,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return tx.Commit()
}

// RecordFailure notes a transient failure. Once attempts exhaust the bound
// the row flips to failed permanently and needs operator attention.
func (m WebhookModel) RecordFailure(ctx context.Context, id uuid.UUID, lastErr string, exhausted bool) error {
	status := WebhookPending
	if exhausted {
		status = WebhookFailed
	}
	_, err := m.DB.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = $2
		WHERE id = $3 AND status = $4`,
		status, lastErr, id, WebhookPending,
	)
	return err
}

// ListFailed surfaces permanently failed events for operator review.
func (m WebhookModel) ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, WebhookFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		evt, err := scanWebhookEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *evt)
	}
	return out, rows.Err()
}
