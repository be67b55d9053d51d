package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumenchat/lumen-server/internal/config"
)

func TestTokenBucketExhaustsBurst(t *testing.T) {
	bucket := newTokenBucket(config.RateLimitConfig{Burst: 3, RefillInterval: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, bucket.take(), "frame %d should fit in the burst", i)
	}
	assert.False(t, bucket.take(), "budget must be exhausted after the burst")
}

func TestTokenBucketRefillsOverInterval(t *testing.T) {
	bucket := newTokenBucket(config.RateLimitConfig{Burst: 2, RefillInterval: 20 * time.Millisecond})

	assert.True(t, bucket.take())
	assert.True(t, bucket.take())
	assert.False(t, bucket.take())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, bucket.take(), "tokens must refill after the interval elapses")
}

func TestTokenBucketCollapsesInvalidConfig(t *testing.T) {
	bucket := newTokenBucket(config.RateLimitConfig{Burst: -1, RefillInterval: -time.Second})

	assert.True(t, bucket.take())
	assert.False(t, bucket.take())
}
