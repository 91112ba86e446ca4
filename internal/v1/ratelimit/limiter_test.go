package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapora-lan/sapora/internal/v1/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitConnPerIP:   "3-M",
		RateLimitChatPerUser: "3-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func newMemoryTestLimiter(t *testing.T) *RateLimiter {
	cfg := &config.Config{
		RateLimitConnPerIP:   "3-M",
		RateLimitChatPerUser: "3-M",
	}

	rl, err := NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiter_InvalidFormat(t *testing.T) {
	cfg := &config.Config{
		RateLimitConnPerIP:   "not-a-rate",
		RateLimitChatPerUser: "3-M",
	}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestAllowConnection_RedisStore(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	ip := "192.168.1.50"

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowConnection(ctx, ip), "request %d should be allowed", i)
	}
	assert.False(t, rl.AllowConnection(ctx, ip), "4th request should be throttled")
}

func TestAllowConnection_PerIPIsolation(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowConnection(ctx, "10.0.0.1"))
	}
	assert.False(t, rl.AllowConnection(ctx, "10.0.0.1"))

	// A different source IP has its own independent budget.
	assert.True(t, rl.AllowConnection(ctx, "10.0.0.2"))
}

func TestAllowChat_MemoryStore(t *testing.T) {
	rl := newMemoryTestLimiter(t)

	ctx := context.Background()
	memberID := "alice"

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowChat(ctx, memberID), "message %d should be allowed", i)
	}
	assert.False(t, rl.AllowChat(ctx, memberID), "4th message should be throttled")
}

func TestAllowConnection_FailsOpenOnStoreError(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close() // store now unreachable

	// With the backing store gone, the limiter must fail open rather than
	// block every connection attempt.
	assert.True(t, rl.AllowConnection(context.Background(), "10.0.0.5"))
}
