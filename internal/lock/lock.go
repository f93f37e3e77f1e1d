// Package lock provides short-lived named locks stored in Redis. A lock is a
// key whose value is the holder id; it is taken with SET NX PX in one round
// trip and only ever deleted by the holder that wrote it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Scoped when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another holder")

// ErrLockLost is returned when a holder finds that its lock expired (and
// possibly passed to someone else) before its critical section finished.
var ErrLockLost = errors.New("lock expired before commit")

// Locker is the lock service used by the reservation state machine.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) (bool, error)
	Held(ctx context.Context, key, holder string) (bool, error)
}

// releaseScript deletes KEYS[1] only while it still stores ARGV[1].
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker on a go-redis client.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker returns a locker that namespaces keys under prefix
// ("lock" gives "lock:seat:42").
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(k string) string {
	if l.prefix == "" {
		return k
	}
	return l.prefix + ":" + k
}

// Acquire atomically sets key to holder if it is absent, with expiry ttl.
// It returns false without error when someone else holds the key.
func (l *RedisLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key if and only if holder still owns it. It returns false
// when the lock had already expired or belongs to another holder.
func (l *RedisLocker) Release(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, holder).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

// Held reports whether holder is still the recorded owner of key.
func (l *RedisLocker) Held(ctx context.Context, key, holder string) (bool, error) {
	v, err := l.client.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return v == holder, nil
}

// Verify returns ErrLockLost when holder no longer owns key. It has the
// signature expected by the repository pre-commit hook.
func Verify(l Locker, key, holder string) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := l.Held(ctx, key, holder)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLockLost
		}
		return nil
	}
}

// Scoped acquires key for holder, runs fn and releases the lock whatever fn
// returns. A contended key yields ErrNotAcquired without calling fn. The
// release uses a context detached from ctx's cancellation so that a client
// hanging up does not leave the lock to its TTL.
func Scoped(ctx context.Context, l Locker, key, holder string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	ok, err := l.Acquire(ctx, key, holder, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, relErr := l.Release(relCtx, key, holder); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(ctx)
}
