package nonce_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-license/internal/nonce"
)

func setup(t *testing.T) (*miniredis.Miniredis, *nonce.Store) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, nonce.NewStore(rdb, time.Minute)
}

func TestConsume_ReplayRejected(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	if err := store.Consume(ctx, "client-1", "nonce-abc"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := store.Consume(ctx, "client-1", "nonce-abc"); !errors.Is(err, nonce.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestConsume_ScopedPerClient(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	if err := store.Consume(ctx, "client-1", "shared"); err != nil {
		t.Fatal(err)
	}
	// Same token from another client is not a replay.
	if err := store.Consume(ctx, "client-2", "shared"); err != nil {
		t.Errorf("cross-client consume rejected: %v", err)
	}
}

func TestConsume_WindowExpiry(t *testing.T) {
	mr, store := setup(t)
	ctx := context.Background()

	if err := store.Consume(ctx, "client-1", "n1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if err := store.Consume(ctx, "client-1", "n1"); err != nil {
		t.Errorf("nonce after TTL rejected: %v", err)
	}
}

func TestConsume_Malformed(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	if err := store.Consume(ctx, "client-1", ""); !errors.Is(err, nonce.ErrNonceInvalid) {
		t.Errorf("empty nonce: expected ErrNonceInvalid, got %v", err)
	}
	if err := store.Consume(ctx, "client-1", strings.Repeat("x", 129)); !errors.Is(err, nonce.ErrNonceInvalid) {
		t.Errorf("oversized nonce: expected ErrNonceInvalid, got %v", err)
	}
}

func TestConsume_RedisDown(t *testing.T) {
	mr, store := setup(t)
	mr.Close()

	if err := store.Consume(context.Background(), "client-1", "n1"); !errors.Is(err, nonce.ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
