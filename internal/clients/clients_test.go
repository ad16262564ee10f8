package clients_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/technosupport/ts-license/internal/clients"
	"github.com/technosupport/ts-license/internal/data"
)

func TestHashSecret_RoundTrip(t *testing.T) {
	hash, err := clients.HashSecret("correct-horse-battery")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := clients.VerifySecret("correct-horse-battery", hash)
	if err != nil || !ok {
		t.Fatalf("valid secret rejected: ok=%v err=%v", ok, err)
	}

	ok, err = clients.VerifySecret("wrong", hash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong secret accepted")
	}

	// Same secret hashes differently each time (random salt).
	hash2, _ := clients.HashSecret("correct-horse-battery")
	if hash == hash2 {
		t.Error("expected distinct salts")
	}
}

func TestVerifySecret_MalformedHash(t *testing.T) {
	if _, err := clients.VerifySecret("s", "not-an-argon2-hash"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

// countingStore counts lookups so tests can observe cache behavior.
type countingStore struct {
	clients map[string]*data.ApiClient
	hits    int
}

func (s *countingStore) GetByID(ctx context.Context, id string) (*data.ApiClient, error) {
	s.hits++
	c, ok := s.clients[id]
	if !ok {
		return nil, data.ErrClientNotFound
	}
	return c, nil
}

func newTestStore(t *testing.T, secret string) *countingStore {
	hash, err := clients.HashSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	return &countingStore{clients: map[string]*data.ApiClient{
		"client-1": {
			ID:         "client-1",
			SecretHash: hash,
			Scopes:     []string{clients.ScopeValidate},
			Enabled:    true,
		},
	}}
}

func TestAuthenticate(t *testing.T) {
	store := newTestStore(t, "s3cret-value-long")
	reg := clients.NewRegistry(store, 16, time.Minute)
	ctx := context.Background()

	c, err := reg.Authenticate(ctx, "client-1", "s3cret-value-long")
	if err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if !c.HasScope(clients.ScopeValidate) {
		t.Error("expected validate scope")
	}

	// Second call is served from cache.
	if _, err := reg.Authenticate(ctx, "client-1", "s3cret-value-long"); err != nil {
		t.Fatal(err)
	}
	if store.hits != 1 {
		t.Errorf("expected 1 store lookup, got %d", store.hits)
	}

	// All failure modes collapse into the same opaque error.
	if _, err := reg.Authenticate(ctx, "client-1", "wrong"); !errors.Is(err, clients.ErrAuthFailed) {
		t.Errorf("bad secret: expected ErrAuthFailed, got %v", err)
	}
	if _, err := reg.Authenticate(ctx, "nobody", "s3cret-value-long"); !errors.Is(err, clients.ErrAuthFailed) {
		t.Errorf("unknown client: expected ErrAuthFailed, got %v", err)
	}
	if _, err := reg.Authenticate(ctx, "", ""); !errors.Is(err, clients.ErrAuthFailed) {
		t.Errorf("empty credentials: expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticate_DisabledClient(t *testing.T) {
	store := newTestStore(t, "s3cret-value-long")
	reg := clients.NewRegistry(store, 16, time.Minute)
	ctx := context.Background()

	if _, err := reg.Authenticate(ctx, "client-1", "s3cret-value-long"); err != nil {
		t.Fatal(err)
	}

	// Disable and invalidate; the cached entry must not resurrect access.
	store.clients["client-1"].Enabled = false
	reg.Invalidate("client-1")

	if _, err := reg.Authenticate(ctx, "client-1", "s3cret-value-long"); !errors.Is(err, clients.ErrAuthFailed) {
		t.Errorf("disabled client: expected ErrAuthFailed, got %v", err)
	}
}
