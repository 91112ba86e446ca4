// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/sapora-lan/sapora/internal/v1/config"
	"github.com/sapora-lan/sapora/internal/v1/logging"
	"github.com/sapora-lan/sapora/internal/v1/metrics"
	"go.uber.org/zap"
)

// RateLimiter throttles TCP accepts per source IP and chat sends per member,
// backed by Redis when the cross-instance bus is enabled and falling back to
// an in-process memory store otherwise.
type RateLimiter struct {
	connPerIP   *limiter.Limiter
	chatPerUser *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance from validated config.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnPerIP)
	if err != nil {
		return nil, fmt.Errorf("invalid connection rate limit: %w", err)
	}

	chatRate, err := limiter.NewRateFromFormatted(cfg.RateLimitChatPerUser)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate limit: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "lanmeet:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (redis disabled)")
	}

	return &RateLimiter{
		connPerIP:   limiter.New(store, connRate),
		chatPerUser: limiter.New(store, chatRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// AllowConnection checks the per-IP connection rate limit for a new TCP
// accept. Called from the control and file-transfer accept loops right after
// accept(), before any handshake work. Fails open on store errors.
func (rl *RateLimiter) AllowConnection(ctx context.Context, ip string) bool {
	lctx, err := rl.connPerIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (connection)", zap.Error(err))
		return true
	}

	metrics.RateLimitRequests.WithLabelValues("connection").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connection", "ip").Inc()
		return false
	}
	return true
}

// AllowChat checks the per-member chat send rate limit. Called from the
// control server's chat handler before routing a message. Fails open on
// store errors so a degraded limiter never blocks chat delivery outright.
func (rl *RateLimiter) AllowChat(ctx context.Context, memberID string) bool {
	lctx, err := rl.chatPerUser.Get(ctx, memberID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (chat)", zap.Error(err))
		return true
	}

	metrics.RateLimitRequests.WithLabelValues("chat").Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("chat", "user").Inc()
		return false
	}
	return true
}
