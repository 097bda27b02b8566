package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisClient is the part of *redis.Client the locker needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker holds locks as SET NX keys with a TTL, so a crashed holder cannot block forever.
type RedisLocker struct {
	client        RedisClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewRedisLocker(client RedisClient, ttl, retryInterval time.Duration, logger *slog.Logger) *RedisLocker {
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{
		client:        client,
		prefix:        "payment-engine:lock:",
		ttl:           ttl,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &redisLease{locker: l, key: redisKey, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ErrNotAcquired)
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	once   sync.Once
	err    error
}

func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		released, err := r.locker.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Int64()
		if err != nil {
			r.err = fmt.Errorf("release lock %s: %w", r.key, err)
			return
		}
		if released == 0 {
			// TTL expired and someone else may hold it now
			r.locker.logger.Warn("lock already expired on release", "lock_key", r.key)
		}
	})
	return r.err
}
