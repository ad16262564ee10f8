package middleware

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-license/internal/gateway"
)

const RequestIDKey contextKey = "request_id"

// RequestID returns the id assigned by RequestLogger, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger tags every request with an id, echoes it back to the caller
// and writes one completion line. Failures carry the envelope's machine code
// so the log can be grepped by taxonomy code without parsing bodies.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()

		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), RequestIDKey, reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		if code := rw.Header().Get(gateway.HeaderErrorCode); code != "" {
			log.Printf("[REQ:%s] %s %s -> %d %s in %v", reqID, r.Method, r.URL.Path, rw.status, code, time.Since(start))
			return
		}
		log.Printf("[REQ:%s] %s %s -> %d in %v", reqID, r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}
