package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with circuit breaker protection. Used by
// the session progress cache and the streaming event feed.
type RedisWrapper struct {
	client  *redis.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewRedisWrapper creates a circuit-breaker protected Redis client.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cfg := DefaultConfig()
	cfg.Timeout = 3 * time.Second
	return &RedisWrapper{
		client:  client,
		breaker: New("redis", cfg, logger),
		logger:  logger,
	}
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		// A cache miss is not a dependency failure.
		if cmd.Err() == redis.Nil {
			return nil
		}
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Del(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Publish(ctx, channel, message)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the raw client for pub/sub subscriptions, which hold a
// long-lived connection the breaker should not gate per-message.
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.breaker.State() == StateOpen
}
