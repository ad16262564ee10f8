package audit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable audit line per API request or webhook delivery.
// Request and response payloads are stored as digests, never raw bodies.
type Record struct {
	ID            uuid.UUID `json:"id"`
	EventID       uuid.UUID `json:"event_id"` // idempotency key for spool replay
	ClientID      string    `json:"client_id,omitempty"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	OriginIP      string    `json:"origin_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	RequestDigest string    `json:"request_digest,omitempty"`
	ResponseCode  string    `json:"response_code,omitempty"` // machine code, empty on success
	Result        string    `json:"result"`                  // success / rejected / error
	StatusCode    int       `json:"status_code"`
	LatencyMs     int64     `json:"latency_ms"`
	Nonce         string    `json:"nonce,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ResultSuccess  = "success"
	ResultRejected = "rejected" // expected business rejection, ordinary severity
	ResultError    = "error"    // unexpected fault
)

// FailoverRecord wraps a Record for JSONL spooling
type FailoverRecord struct {
	EventID   string    `json:"event_id"`
	Payload   Record    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter for querying
type Filter struct {
	ClientID string
	Result   string
	Endpoint string
	Limit    int
	Cursor   string // created_at cursor, RFC3339Nano
}

// Service is the append-only audit sink. A sink failure never surfaces to
// the API caller; records fall back to the spool.
type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}
