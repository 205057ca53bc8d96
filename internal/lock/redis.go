package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options tunes the redis lease behaviour. Zero values fall back to
// the defaults.
type Options struct {
	// TTL is the lease duration. A crashed holder frees the lock when
	// the lease expires.
	TTL time.Duration
	// RetryDelay is the poll interval while the lock is contended.
	RetryDelay time.Duration
	// MaxWait bounds the whole acquisition attempt.
	MaxWait time.Duration
}

const (
	defaultLeaseTTL   = 30 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
	defaultMaxWait    = 10 * time.Second
)

// releaseScript deletes the lock only when the stored token is ours,
// so an expired lease taken over by another holder is never released
// from here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with a SET NX PX lease.
type RedisLocker struct {
	client     *redis.Client
	log        zerolog.Logger
	ttl        time.Duration
	retryDelay time.Duration
	maxWait    time.Duration
}

func NewRedisLocker(client *redis.Client, logger zerolog.Logger, opts Options) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = defaultLeaseTTL
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	return &RedisLocker{
		client:     client,
		log:        logger.With().Str("component", "DistributedLock").Logger(),
		ttl:        opts.TTL,
		retryDelay: opts.RetryDelay,
		maxWait:    opts.MaxWait,
	}
}

func (r *RedisLocker) ExecuteWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(r.maxWait)

	for {
		acquired, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	defer r.release(key, token)
	return fn(ctx)
}

// release uses a fresh context so the lock is freed even when the
// caller's context was cancelled mid-execution.
func (r *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to release lock, lease will expire on its own")
	}
}

// Ping verifies redis connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
