// Package ratelimit enforces per-agent sliding-window RPM/TPM limits. The
// durable store is the source of truth; an in-process token-bucket cache
// sits in front of it so a clearly-over-limit caller never costs a store
// round trip, and an optional Redis write-behind cache receives each
// recorded sample (it is never the source of truth and nothing reads it
// back, so every decision that passes the bucket still queries the store).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/domain"
)

const window = 60 * time.Second

// Store is the durable rate-window accounting surface.
type Store interface {
	RateWindowCount(ctx context.Context, agentID string, sinceUnixNanos int64) (requests int64, tokens int64, err error)
	RecordRateSample(ctx context.Context, agentID string, sample domain.RateSample) error
}

// WriteBehindCache is an optional, best-effort cache in front of Store.
// A cache miss or error is never fatal; the limiter falls back to Store.
type WriteBehindCache interface {
	Incr(ctx context.Context, key string, tokens int64, ttl time.Duration) (requests int64, totalTokens int64, ok bool)
}

// Decision is the outcome of a rate check, carrying enough detail for the
// admission controller to report which dimension was exceeded.
type Decision struct {
	Allow     bool
	Dimension string // "rpm" or "tpm" when Allow is false
}

// Limiter enforces sliding-window RPM/TPM limits per agent.
type Limiter struct {
	store Store
	cache WriteBehindCache
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter. cache may be nil to disable the write-behind path.
func New(store Store, cache WriteBehindCache, clk clock.Clock) *Limiter {
	return &Limiter{store: store, cache: cache, clock: clk, buckets: make(map[string]*rate.Limiter)}
}

// Allow checks whether agentID may make one more request consuming
// estimatedTokens, against rpmLimit requests/minute and tpmLimit
// tokens/minute. A limit of 0 means "unlimited" for that dimension.
func (l *Limiter) Allow(ctx context.Context, agentID string, rpmLimit, tpmLimit int, estimatedTokens int64) (Decision, error) {
	if rpmLimit > 0 {
		if !l.localBucket(agentID, rpmLimit).Allow() {
			return Decision{Allow: false, Dimension: "rpm"}, nil
		}
	}

	since := l.clock.Now().Add(-window).UnixNano()
	requests, tokens, err := l.store.RateWindowCount(ctx, agentID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: window count: %w", err)
	}

	if rpmLimit > 0 && requests+1 > int64(rpmLimit) {
		return Decision{Allow: false, Dimension: "rpm"}, nil
	}
	if tpmLimit > 0 && tokens+estimatedTokens > int64(tpmLimit) {
		return Decision{Allow: false, Dimension: "tpm"}, nil
	}

	sample := domain.RateSample{At: l.clock.Now().UnixNano(), Tokens: estimatedTokens}
	if err := l.store.RecordRateSample(ctx, agentID, sample); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: record sample: %w", err)
	}
	if l.cache != nil {
		l.cache.Incr(ctx, agentID, estimatedTokens, window)
	}

	return Decision{Allow: true}, nil
}

// localBucket returns (creating if needed) the in-process token bucket for
// agentID, refilling at rpmLimit/60 tokens per second with a burst equal to
// the full per-minute allowance.
func (l *Limiter) localBucket(agentID string, rpmLimit int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[agentID]
	if !ok || b == nil {
		b = rate.NewLimiter(rate.Limit(float64(rpmLimit)/60.0), rpmLimit)
		l.buckets[agentID] = b
	}
	return b
}
