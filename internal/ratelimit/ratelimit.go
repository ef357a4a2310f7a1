// Package ratelimit throttles the JWT API per client.
//
// MemoryLimiter is a per-process token bucket. Partner traffic is limited
// separately by the partner middleware, which counts persisted usage rows
// against each key's minute, hour and day windows.
package ratelimit

import "context"

// Limiter admits or rejects a request by key. Keys are "ip:<addr>" for
// anonymous routes and "user:<uuid>" once a token is verified.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. A non-nil error means
	// the limiter itself failed and the middleware lets the request through.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter admits everything; it stands in when MAGSASA_RATE_LIMIT_ENABLED is false.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
