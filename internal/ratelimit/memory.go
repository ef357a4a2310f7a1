package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	// idleExpiry drops buckets for clients that have stopped calling.
	idleExpiry = 10 * time.Minute
	maxClients = 100_000
)

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// take refills the bucket for the time elapsed since the last call and
// consumes one token if available.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = min(burst, b.tokens+now.Sub(b.last).Seconds()*rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-key token bucket held in an otter cache. Buckets
// idle for longer than idleExpiry are evicted and start full again.
type MemoryLimiter struct {
	rate    float64
	burst   float64
	now     func() time.Time
	buckets *otter.Cache[string, *bucket]
}

// NewMemoryLimiter allows a sustained rate of rate requests per second per
// key, with bursts of up to burst requests.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		rate:  rate,
		burst: float64(burst),
		now:   time.Now,
		buckets: otter.Must(&otter.Options[string, *bucket]{
			MaximumSize:      maxClients,
			ExpiryCalculator: otter.ExpiryAccessing[string, *bucket](idleExpiry),
		}),
	}
}

// Allow consumes one token for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	b, ok := m.buckets.GetIfPresent(key)
	if !ok {
		b, _ = m.buckets.SetIfAbsent(key, &bucket{tokens: m.burst, last: now})
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close drops all buckets.
func (m *MemoryLimiter) Close() error {
	m.buckets.InvalidateAll()
	return nil
}
