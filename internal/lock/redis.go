package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"licensegate.app/cloud/internal/logger"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder cannot release a lock that moved on to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrNotAcquired = errors.New("lock: not acquired")

// Redis is a single-instance distributed lock built on SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		prefix: "license:lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// The request context may already be done, so release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		released, err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Int64()
		if err != nil {
			logger.Warn("Failed to release activation lock", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		if released == 0 {
			logger.Warn("Activation lock expired before release", map[string]interface{}{
				"key": key,
				"ttl": r.ttl.String(),
			})
		}
	}, nil
}
