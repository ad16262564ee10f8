package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// WriteRecord appends one audit line. On DB failure the record is spooled
// and the error swallowed; only a spool failure (critical) propagates, and
// even that is for the caller's log, never its response.
func (s *Service) WriteRecord(ctx context.Context, rec Record) error {
	if rec.EventID == uuid.Nil {
		rec.EventID = uuid.New()
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (
			id, event_id, client_id, endpoint, method, origin_ip, user_agent,
			request_digest, response_code, result, status_code, latency_ms, nonce, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		rec.ID, rec.EventID, rec.ClientID, rec.Endpoint, rec.Method, rec.OriginIP, rec.UserAgent,
		rec.RequestDigest, rec.ResponseCode, rec.Result, rec.StatusCode, rec.LatencyMs, rec.Nonce, rec.CreatedAt,
	)
	if err != nil {
		log.Printf("audit: DB write failed: %v, spooling event %s", err, rec.EventID)
		if spoolErr := SpoolRecord(rec); spoolErr != nil {
			log.Printf("audit: CRITICAL spool failed for event %s: %v", rec.EventID, spoolErr)
			return fmt.Errorf("audit critical failure: %v", spoolErr)
		}
		return nil // swallowed, record is safe in the spool
	}
	return nil
}

// Append-only enforcement: no update or delete methods exposed.

// Query returns records newest-first with created_at cursor pagination.
func (s *Service) Query(ctx context.Context, f Filter) ([]Record, string, error) {
	q := `
		SELECT id, event_id, client_id, endpoint, method, origin_ip, user_agent,
		       request_digest, response_code, result, status_code, latency_ms, nonce, created_at
		FROM audit_logs
		WHERE 1=1`
	args := []any{}
	idx := 1

	if f.ClientID != "" {
		q += fmt.Sprintf(" AND client_id = $%d", idx)
		args = append(args, f.ClientID)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.Endpoint != "" {
		q += fmt.Sprintf(" AND endpoint = $%d", idx)
		args = append(args, f.Endpoint)
		idx++
	}
	if f.Cursor != "" {
		cursor, err := time.Parse(time.RFC3339Nano, f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		q += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, cursor)
		idx++
	}

	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var records []Record
	var next string
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.EventID, &r.ClientID, &r.Endpoint, &r.Method, &r.OriginIP, &r.UserAgent,
			&r.RequestDigest, &r.ResponseCode, &r.Result, &r.StatusCode, &r.LatencyMs, &r.Nonce, &r.CreatedAt,
		); err != nil {
			return nil, "", err
		}
		records = append(records, r)
		next = r.CreatedAt.Format(time.RFC3339Nano)
	}
	return records, next, rows.Err()
}
