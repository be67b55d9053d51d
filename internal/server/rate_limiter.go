// Package server throttles inbound frames per connection so a single
// chatty client cannot monopolize the relay.
package server

import (
	"sync"
	"time"

	"github.com/lumenchat/lumen-server/internal/config"
)

// tokenBucket is a per-connection frame budget. Each inbound frame costs
// one token; the budget refills continuously at burst tokens per refill
// interval. Dropped frames are logged and counted by the dispatch path,
// not here.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
}

// newTokenBucket builds a bucket from the configured rate limit. Zero or
// negative settings collapse to a budget of one frame per second.
func newTokenBucket(cfg config.RateLimitConfig) *tokenBucket {
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &tokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		perSec:   float64(capacity) / interval.Seconds(),
		last:     time.Now(),
	}
}

// take consumes one token, reporting false when the budget is exhausted.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.perSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
