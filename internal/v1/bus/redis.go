// Package bus provides an optional cross-instance fan-out for room events.
//
// The core server is a single LAN process and works fully without this
// package. When REDIS_ENABLED=true, the control server publishes membership
// and chat events here so a second relay instance on the same LAN can
// mirror room state.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/sapora-lan/sapora/internal/v1/metrics"
)

// PubSubPayload is the envelope moved between instances over Redis.
// InstanceID is stamped by Publish so a subscriber can drop messages its
// own instance originated.
type PubSubPayload struct {
	RoomID     string          `json:"roomId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	SenderID   string          `json:"senderId"`
	InstanceID string          `json:"instanceId"`
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	id     string
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, primarily for rate-limit store reuse.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection guarded by a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to redis pub/sub", "addr", addr)
	return &Service{
		id:     uuid.New().String(),
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to any peer instance watching this room.
func (s *Service) Publish(ctx context.Context, roomID, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:     roomID,
			Event:      event,
			Payload:    innerBytes,
			SenderID:   senderID,
			InstanceID: s.id,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal pubsub envelope: %w", err)
		}

		channel := fmt.Sprintf("lanmeet:room:%s", roomID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("publish", "failure").Inc()
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit open: dropping publish", "roomId", roomID)
			return nil
		}
		slog.Error("redis publish failed", "roomId", roomID, "error", err)
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "success").Inc()
	return nil
}

// Subscribe starts a background goroutine relaying events from peer
// instances for roomID into handler, returning when ctx is cancelled.
// A roomID containing "*" (typically "*" alone, to watch every room, since
// the set of rooms is not known in advance) switches to a pattern
// subscription; any other roomID is subscribed to literally. Messages this instance published
// itself are skipped, so a relay consumer never echoes its own events.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("lanmeet:room:%s", roomID)
	var pubsub *redis.PubSub
	if strings.ContainsRune(roomID, '*') {
		pubsub = s.client.PSubscribe(ctx, channel)
	} else {
		pubsub = s.client.Subscribe(ctx, channel)
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err)
					continue
				}
				if payload.InstanceID == s.id {
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Ping verifies Redis connectivity; used by the readiness handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("ping", "failure").Inc()
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("ping", "success").Inc()
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
