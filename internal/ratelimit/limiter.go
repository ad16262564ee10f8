package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts Go duration strings for the window ("30s", "1m").
func (c *LimitConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Rate   int    `yaml:"rate"`
		Window string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Rate = raw.Rate
	if raw.Window != "" {
		w, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("bad window %q: %w", raw.Window, err)
		}
		c.Window = w
	}
	// A rate without a window would expire the counter immediately and
	// enforce nothing.
	if c.Rate > 0 && c.Window <= 0 {
		return fmt.Errorf("rate limit %d has no window", c.Rate)
	}
	return nil
}

// Atomic INCR with expiry set on first hit. The counter key is the window:
// it dies when the window does, so the next window starts clean.
var windowScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	local ttl = redis.call("PTTL", KEYS[1])
	return {current, ttl}
`)

// Limiter enforces fixed-window counters in redis. Increment and boundary
// handling run inside a Lua script, so concurrent requests from the same
// client always observe a consistent count.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// ClientKey builds the counter key for a client, optionally per route.
func ClientKey(clientID, route string) string {
	if route == "" {
		return fmt.Sprintf("rl:client:%s", clientID)
	}
	return fmt.Sprintf("rl:client:%s:%s", clientID, route)
}

// Allow consumes one unit of quota for key. Quota is consumed whether or not
// the underlying request later succeeds.
func (l *Limiter) Allow(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	vals, err := windowScript.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		return nil, ErrRedisUnavailable
	}
	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(ttl),
		RetryAfter: int(ttl.Seconds()) + 1,
		Allowed:    count <= cfg.Rate,
	}, nil
}
