package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrReplay           = errors.New("nonce already consumed")
	ErrNonceInvalid     = errors.New("nonce malformed")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const maxNonceLen = 128

// Store consumes one-time replay-protection tokens. Check and consume are a
// single SET NX, so two requests presenting the same nonce can never both
// pass regardless of interleaving.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{client: client, ttl: ttl}
}

// Consume claims a nonce for a client. The second claim within the TTL is a
// replay. Nonces are scoped per client, so two clients may present the same
// token independently.
func (s *Store) Consume(ctx context.Context, clientID, nonce string) error {
	if nonce == "" || len(nonce) > maxNonceLen {
		return ErrNonceInvalid
	}
	key := fmt.Sprintf("nonce:%s:%s", clientID, nonce)
	ok, err := s.client.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return ErrRedisUnavailable
	}
	if !ok {
		return ErrReplay
	}
	return nil
}
