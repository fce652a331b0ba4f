package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"provisioner/pkg/backoff"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the Redis locker.
type RedisConfig struct {
	KeyPrefix    string        // default "provisioner:lock:"
	LeaseTTL     time.Duration // key expiry, bounds a crashed holder (default 15m)
	PollInterval time.Duration // retry interval while contended (default 50ms, doubling to 1s)
}

// Redis is a Locker shared by every process that points at the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.SugaredLogger
}

var (
	_ Locker = (*Redis)(nil)
	_ Pinger = (*Redis)(nil)
)

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.SugaredLogger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "provisioner:lock:"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Redis{client: client, cfg: cfg, logger: logger.Named("lock")}
}

func (r *Redis) Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error) {
	fullKey := r.cfg.KeyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for attempt := 0; ; attempt++ {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.cfg.LeaseTTL).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			return r.releaser(fullKey, token), nil
		}

		wait := backoff.Exponential(attempt, &backoff.Config{Initial: r.cfg.PollInterval, Max: time.Second})
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotAcquired
		}
		if err := backoff.Sleep(ctx, min(wait, remaining)); err != nil {
			return nil, err
		}
	}
}

func (r *Redis) releaser(fullKey, token string) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil {
				r.logger.Warnw("Failed to release lock", "key", fullKey, "error", err)
			}
		})
	}
}

// Ping checks connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
