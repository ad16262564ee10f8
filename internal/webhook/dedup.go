package webhook

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type dedupEntry struct {
	outcome Outcome
	addedAt time.Time
}

// Dedup is an in-memory fast path over the durable ledger: a redelivery that
// hits the cache replays its outcome without touching the DB. The ledger
// stays authoritative; a cold cache just means one extra DB round trip.
type Dedup struct {
	cache *lru.Cache[string, dedupEntry]
	ttl   time.Duration
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	c, _ := lru.New[string, dedupEntry](maxKeys)
	return &Dedup{cache: c, ttl: ttl}
}

func dedupKey(provider, eventID string) string {
	return fmt.Sprintf("%s|%s", provider, eventID)
}

func (d *Dedup) Get(provider, eventID string) (Outcome, bool) {
	entry, ok := d.cache.Get(dedupKey(provider, eventID))
	if !ok || time.Since(entry.addedAt) >= d.ttl {
		return Outcome{}, false
	}
	return entry.outcome, true
}

func (d *Dedup) Add(provider, eventID string, outcome Outcome) {
	d.cache.Add(dedupKey(provider, eventID), dedupEntry{outcome: outcome, addedAt: time.Now()})
}
