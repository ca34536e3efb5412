package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Redis lease defaults.
const (
	DefaultLeaseTTL      = 5 * time.Second
	DefaultRetryInterval = 20 * time.Millisecond
	DefaultKeyPrefix     = "availo:lock:"
	releaseTimeout       = time.Second
)

// releaseScript deletes the lease only if this holder still owns it, so a
// lease that expired and was taken by another instance is never released.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointed at the same Redis.
// Leases expire after TTL, so a crashed holder cannot block a key forever.
type Redis struct {
	client        *redis.Client
	logger        *zap.Logger
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
}

var _ Locker = (*Redis)(nil)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithLeaseTTL sets how long a lease lives without being released.
func WithLeaseTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithRetryInterval sets the poll interval while a key is held elsewhere.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retryInterval = d }
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// NewRedis creates a Redis locker.
func NewRedis(client *redis.Client, logger *zap.Logger, opts ...RedisOption) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redis{
		client:        client,
		logger:        logger,
		prefix:        DefaultKeyPrefix,
		ttl:           DefaultLeaseTTL,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls SET NX PX until the lease is won or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return r.release(redisKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		}
	}
}

func (r *Redis) release(redisKey, token string) Unlock {
	return func() {
		// The caller's context may already be done; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			r.logger.Warn("failed to release lock", zap.String("key", redisKey), zap.Error(err))
		}
	}
}
