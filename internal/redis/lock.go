package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("series lock not acquired")

// Locker guards the materialize-then-upsert critical section per series so
// that concurrent viewers of the same window do not duplicate work. It is
// best-effort only: the anchor uniqueness constraint in Postgres remains
// the correctness backstop.
type Locker interface {
	WithSeriesLock(ctx context.Context, seriesID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisSeriesLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeriesLocker creates a locker that uses a per series Redis key.
func NewRedisSeriesLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisSeriesLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisSeriesLocker) WithSeriesLock(ctx context.Context, seriesID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:series:%s", seriesID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire series lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSeriesLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release series lock: %w", err)
	}
	return nil
}
