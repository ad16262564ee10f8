package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/gateway"
)

const maxDigestBody = 64 << 10

type AuditMiddleware struct {
	service *audit.Service
}

func NewAuditMiddleware(s *audit.Service) *AuditMiddleware {
	return &AuditMiddleware{service: s}
}

// LogRequest writes exactly one audit record per request, including requests
// short-circuited by inner middleware and requests whose handler panicked.
// The write happens off the request goroutine and never delays the response.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		digest := digestBody(r)
		ww := &responseCapture{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				if !ww.wrote {
					gateway.WriteError(ww, start, gateway.CodeInternalError, "internal error", nil)
				}
				ww.status = http.StatusInternalServerError
			}
			m.record(r, ww, digest, start)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (m *AuditMiddleware) record(r *http.Request, ww *responseCapture, digest string, start time.Time) {
	rec := audit.Record{
		ID:            uuid.New(),
		EventID:       uuid.New(),
		Endpoint:      truncate(r.URL.Path, 255),
		Method:        r.Method,
		OriginIP:      truncate(extractIP(r), 50),
		UserAgent:     truncate(r.UserAgent(), 255),
		RequestDigest: digest,
		ResponseCode:  ww.Header().Get(gateway.HeaderErrorCode),
		StatusCode:    ww.status,
		LatencyMs:     time.Since(start).Milliseconds(),
		Nonce:         truncate(r.Header.Get(HeaderNonce), 128),
		CreatedAt:     time.Now().UTC(),
	}

	switch {
	case ww.status >= 500:
		rec.Result = audit.ResultError
	case ww.status >= 400:
		rec.Result = audit.ResultRejected
	default:
		rec.Result = audit.ResultSuccess
	}

	if cc, ok := GetClientContext(r.Context()); ok {
		rec.ClientID = cc.ClientID
	} else {
		// Unauthenticated requests are still audited under the presented id.
		rec.ClientID = truncate(r.Header.Get(HeaderClientID), 100)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.service.WriteRecord(ctx, rec); err != nil {
			log.Printf("audit: record %s lost: %v", rec.EventID, err)
		}
	}()
}

// digestBody hashes the request body and restores it for the handler. Raw
// payloads never reach the audit trail.
func digestBody(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDigestBody))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type responseCapture struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *responseCapture) WriteHeader(status int) {
	w.status = status
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseCapture) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
