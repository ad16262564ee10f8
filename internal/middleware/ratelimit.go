package middleware

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/ts-license/internal/gateway"
	"github.com/technosupport/ts-license/internal/ratelimit"
)

type RateLimitConfig struct {
	Client    ratelimit.LimitConfig            `yaml:"client"`
	Endpoints map[string]ratelimit.LimitConfig `yaml:"endpoints"`
}

type RateLimitObserver interface {
	ObserveRateLimited()
}

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	metrics RateLimitObserver

	mu     sync.RWMutex
	config RateLimitConfig
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, cfg RateLimitConfig, m RateLimitObserver) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: cfg, metrics: m}
}

// SetConfig swaps the limit table (config hot reload).
func (m *RateLimitMiddleware) SetConfig(cfg RateLimitConfig) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

func (m *RateLimitMiddleware) snapshot() RateLimitConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Middleware enforces the per-client quota and, when configured, a stricter
// per-endpoint quota. Quota is consumed before the handler runs, so rejected
// business calls still count.
func (m *RateLimitMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		cc, ok := GetClientContext(r.Context())
		if !ok {
			gateway.WriteError(w, start, gateway.CodeAuthFailed, "client credentials required", nil)
			return
		}

		cfg := m.snapshot()

		decision, err := m.limiter.Allow(r.Context(), ratelimit.ClientKey(cc.ClientID, ""), cfg.Client)
		if err != nil {
			// Fail open. Losing redis should degrade to unlimited, not to an
			// outage of the whole validation surface.
			if errors.Is(err, ratelimit.ErrRedisUnavailable) {
				log.Printf("ratelimit: redis unavailable, failing open for %s", cc.ClientID)
			} else {
				log.Printf("ratelimit: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			if m.metrics != nil {
				m.metrics.ObserveRateLimited()
			}
			gateway.WriteError(w, start, gateway.CodeRateLimited, "rate limit exceeded", map[string]any{
				"retry_after_seconds": decision.RetryAfter,
			})
			return
		}

		if epCfg, found := cfg.Endpoints[r.URL.Path]; found {
			epDecision, err := m.limiter.Allow(r.Context(), ratelimit.ClientKey(cc.ClientID, r.URL.Path), epCfg)
			if err == nil {
				writeRateLimitHeaders(w, epDecision)
				if !epDecision.Allowed {
					if m.metrics != nil {
						m.metrics.ObserveRateLimited()
					}
					gateway.WriteError(w, start, gateway.CodeRateLimited, "endpoint rate limit exceeded", map[string]any{
						"retry_after_seconds": epDecision.RetryAfter,
					})
					return
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
