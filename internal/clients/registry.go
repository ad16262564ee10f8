package clients

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-license/internal/data"
)

// Scope tags gating API operations.
const (
	ScopeValidate = "license:validate"
	ScopeRead     = "license:read"
	ScopeReadFull = "license:read:full"
)

// ErrAuthFailed covers unknown clients, disabled clients and bad secrets.
// Callers get one opaque failure; the distinction stays in server logs.
var ErrAuthFailed = errors.New("client authentication failed")

type Store interface {
	GetByID(ctx context.Context, id string) (*data.ApiClient, error)
}

type cacheEntry struct {
	client   *data.ApiClient
	secret   [32]byte // sha256 of the verified plaintext, argon2 skipped on hits
	cachedAt time.Time
}

// Registry authenticates API clients and answers scope checks. Verified
// credentials are cached briefly so the argon2 cost is paid once per client
// per TTL, not per request.
type Registry struct {
	store Store
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
}

func NewRegistry(store Store, cacheSize int, ttl time.Duration) *Registry {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c, _ := lru.New[string, cacheEntry](cacheSize)
	return &Registry{store: store, cache: c, ttl: ttl}
}

// Authenticate resolves and verifies a client id/secret pair.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (*data.ApiClient, error) {
	if id == "" || secret == "" {
		return nil, ErrAuthFailed
	}

	digest := sha256.Sum256([]byte(secret))

	if entry, ok := r.cache.Get(id); ok && time.Since(entry.cachedAt) < r.ttl {
		if entry.secret == digest && entry.client.Enabled {
			return entry.client, nil
		}
		// Stale secret or disabled; fall through to the store.
	}

	c, err := r.store.GetByID(ctx, id)
	if err == data.ErrClientNotFound {
		return nil, ErrAuthFailed
	}
	if err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, ErrAuthFailed
	}

	ok, err := VerifySecret(secret, c.SecretHash)
	if err != nil || !ok {
		return nil, ErrAuthFailed
	}

	r.cache.Add(id, cacheEntry{client: c, secret: digest, cachedAt: time.Now()})
	return c, nil
}

// Invalidate drops a cached client after administrative scope changes.
func (r *Registry) Invalidate(id string) {
	r.cache.Remove(id)
}
