package middleware

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/technosupport/ts-license/internal/clients"
	"github.com/technosupport/ts-license/internal/gateway"
)

const (
	HeaderClientID     = "X-Client-Id"
	HeaderClientSecret = "X-Client-Secret"
)

type ClientAuth struct {
	registry *clients.Registry
}

func NewClientAuth(r *clients.Registry) *ClientAuth {
	return &ClientAuth{registry: r}
}

// Middleware authenticates the calling client and injects ClientContext.
// Unknown client, disabled client and bad secret all collapse into one
// opaque AUTH_FAILED so callers cannot probe for valid client ids.
func (m *ClientAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(HeaderClientID)
		secret := r.Header.Get(HeaderClientSecret)
		if id == "" || secret == "" {
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "client credentials required", nil)
			return
		}

		client, err := m.registry.Authenticate(r.Context(), id, secret)
		if err != nil {
			if !errors.Is(err, clients.ErrAuthFailed) {
				log.Printf("client auth: lookup failed for %q: %v", id, err)
				gateway.WriteError(w, start, gateway.CodeInternalError, "authentication unavailable", nil)
				return
			}
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "invalid client credentials", nil)
			return
		}

		ctx := WithClientContext(r.Context(), FromClient(client))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route on one scope of the authenticated client.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			cc, ok := GetClientContext(r.Context())
			if !ok {
				gateway.WriteError(w, start, gateway.CodeAuthFailed, "client credentials required", nil)
				return
			}
			if !cc.HasScope(scope) {
				gateway.WriteError(w, start, gateway.CodeForbidden, "scope "+scope+" required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
