package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

const OperatorContextKey contextKey = "operator_context"

type OperatorContext struct {
	OperatorID string
	Role       string
	TokenID    string // jti
}

func GetOperatorContext(ctx context.Context) (*OperatorContext, bool) {
	val, ok := ctx.Value(OperatorContextKey).(*OperatorContext)
	return val, ok
}

// OperatorAuth protects the admin surface with bearer tokens. API clients
// never hold these; they are issued to human operators and internal jobs.
type OperatorAuth struct {
	tokens TokenValidator
}

func NewOperatorAuth(t TokenValidator) *OperatorAuth {
	return &OperatorAuth{tokens: t}
}

func (m *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		authHeader := r.Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "bearer token required", nil)
			return
		}

		claims, err := m.tokens.ValidateToken(parts[1])
		if err != nil || claims.TokenType != tokens.Access {
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "invalid token", nil)
			return
		}

		oc := &OperatorContext{
			OperatorID: claims.OperatorID,
			Role:       claims.Role,
			TokenID:    claims.ID,
		}
		ctx := context.WithValue(r.Context(), OperatorContextKey, oc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on the operator's role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			oc, ok := GetOperatorContext(r.Context())
			if !ok {
				gateway.WriteError(w, start, gateway.CodeAuthFailed, "bearer token required", nil)
				return
			}
			if oc.Role != role && oc.Role != "admin" {
				gateway.WriteError(w, start, gateway.CodeForbidden, "role "+role+" required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
