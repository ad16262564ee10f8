package middleware

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/nonce"
)

const HeaderNonce = "X-Nonce"

type NonceMiddleware struct {
	store   *nonce.Store
	metrics ReplayObserver
}

type ReplayObserver interface {
	ObserveReplay()
}

func NewNonceMiddleware(s *nonce.Store, m ReplayObserver) *NonceMiddleware {
	return &NonceMiddleware{store: s, metrics: m}
}

// Middleware consumes the request nonce when one is supplied. A nonce seen
// before inside its window is rejected outright. Requests without a nonce
// pass; replay protection is opt-in per request.
func (m *NonceMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := r.Header.Get(HeaderNonce)
		if n == "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()

		cc, ok := GetClientContext(r.Context())
		if !ok {
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "client credentials required", nil)
			return
		}

		err := m.store.Consume(r.Context(), cc.ClientID, n)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, nonce.ErrReplay):
			if m.metrics != nil {
				m.metrics.ObserveReplay()
			}
			gateway.WriteError(w, start, gateway.CodeReplayRejected, "nonce already used", nil)
		case errors.Is(err, nonce.ErrNonceInvalid):
			gateway.WriteError(w, start, gateway.CodeValidationError, "nonce malformed", nil)
		default:
			// Without redis we cannot prove the nonce is fresh. Fail closed:
			// the caller asked for replay protection.
			log.Printf("nonce: store unavailable: %v", err)
			gateway.WriteError(w, start, gateway.CodeInternalError, "replay protection unavailable", nil)
		}
	})
}
