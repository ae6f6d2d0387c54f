package screens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp-level-scout/cache"
	"perp-level-scout/market"
)

// Freshness windows: a cached verdict may admit a signal for 60s and may
// describe level readiness in read surfaces for 5 minutes.
const (
	GenerationTTL = 60 * time.Second
	DisplayTTL    = 5 * time.Minute
)

// verdictMirror is the Redis surface the cache mirrors through
type verdictMirror interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

// VerdictCache keeps recent verdicts per (symbol, level, direction).
// Memory is authoritative; Redis is a best-effort mirror so read
// surfaces in other processes can show level readiness, and so a fresh
// process can serve readiness straight after a restart.
type VerdictCache struct {
	mu      sync.RWMutex
	entries map[string]Verdict
	redis   verdictMirror // may be nil
}

// NewVerdictCache creates a cache, optionally mirrored to Redis
func NewVerdictCache(redis *cache.RedisClient) *VerdictCache {
	vc := &VerdictCache{entries: make(map[string]Verdict)}
	if redis != nil {
		vc.redis = redis
	}
	return vc
}

func verdictKey(symbol string, levelID int64, dir market.Direction) string {
	return fmt.Sprintf("verdict:%s:%d:%s", symbol, levelID, dir)
}

// Put stores a verdict, replacing any previous entry atomically
func (vc *VerdictCache) Put(ctx context.Context, levelID int64, v Verdict) {
	key := verdictKey(v.Symbol, levelID, v.Direction)

	vc.mu.Lock()
	vc.entries[key] = v
	vc.mu.Unlock()

	if vc.redis != nil {
		_ = vc.redis.Set(ctx, key, v, DisplayTTL)
	}
}

// Get returns the cached verdict when younger than maxAge. A memory miss
// falls back to the Redis mirror; a mirror hit repopulates memory.
func (vc *VerdictCache) Get(ctx context.Context, symbol string, levelID int64, dir market.Direction, maxAge time.Duration) (Verdict, bool) {
	key := verdictKey(symbol, levelID, dir)

	vc.mu.RLock()
	v, ok := vc.entries[key]
	vc.mu.RUnlock()

	if ok && time.Since(v.EvaluatedAt) <= maxAge {
		return v, true
	}
	if ok || vc.redis == nil {
		return Verdict{}, false
	}

	var mirrored Verdict
	if err := vc.redis.Get(ctx, key, &mirrored); err != nil {
		return Verdict{}, false
	}
	if time.Since(mirrored.EvaluatedAt) > maxAge {
		return Verdict{}, false
	}
	vc.mu.Lock()
	vc.entries[key] = mirrored
	vc.mu.Unlock()
	return mirrored, true
}

// Prune drops entries older than the display TTL
func (vc *VerdictCache) Prune() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for key, v := range vc.entries {
		if time.Since(v.EvaluatedAt) > DisplayTTL {
			delete(vc.entries, key)
		}
	}
}
