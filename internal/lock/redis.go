// internal/lock/redis.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultTTL      = 30 * time.Second
	defaultInterval = 10 * time.Millisecond
	keyPrefix       = "libracirc:lock:"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every process using the same Redis server.
// A holder that outlives ttl loses the lock.
type Redis struct {
	client   *redis.Client
	ttl      time.Duration
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewRedis creates a Redis lock. ttl <= 0 uses 30s.
func NewRedis(addr, password string, ttl time.Duration, logger *zap.SugaredLogger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &Redis{
		client:   client,
		ttl:      ttl,
		interval: defaultInterval,
		logger:   logger,
	}
}

// Ping tests the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// Acquire polls SET NX until it owns key or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func() error, error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer.Reset(r.interval)
	}

	return func() error {
		// The caller's context may already be cancelled; release regardless.
		n, err := releaseScript.Run(context.Background(), r.client, []string{redisKey}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if n == 0 {
			r.logger.Warnw("lock expired before release", "key", key, "ttl", r.ttl)
			return ErrLockLost
		}
		return nil
	}, nil
}
