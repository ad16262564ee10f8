package middleware

import (
	"context"

	"github.com/technosupport/ts-license/internal/data"
)

type contextKey string

const (
	ClientContextKey contextKey = "client_context"
)

// ClientContext holds the authenticated API client's identity and scopes.
type ClientContext struct {
	ClientID string
	Scopes   []string
}

func (c *ClientContext) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func GetClientContext(ctx context.Context) (*ClientContext, bool) {
	val, ok := ctx.Value(ClientContextKey).(*ClientContext)
	return val, ok
}

func WithClientContext(ctx context.Context, cc *ClientContext) context.Context {
	return context.WithValue(ctx, ClientContextKey, cc)
}

// FromClient builds a ClientContext from a stored client row.
func FromClient(c *data.ApiClient) *ClientContext {
	return &ClientContext{ClientID: c.ID, Scopes: c.Scopes}
}
