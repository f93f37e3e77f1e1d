package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "lock"), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "seat:1", "conn-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "seat:1", "conn-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := mr.Get("lock:seat:1")
	require.NoError(t, err)
	assert.Equal(t, "conn-a", v)
	assert.Equal(t, 30*time.Second, mr.TTL("lock:seat:1"))
}

func TestReleaseOnlyByHolder(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "seat:1", "conn-a", time.Minute)
	require.NoError(t, err)

	released, err := l.Release(ctx, "seat:1", "conn-b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:seat:1"))

	released, err = l.Release(ctx, "seat:1", "conn-a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:seat:1"))
}

func TestReleaseAfterExpiryDoesNotTouchNewHolder(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "seat:1", "conn-a", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	ok, err := l.Acquire(ctx, "seat:1", "conn-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "seat:1", "conn-a")
	require.NoError(t, err)
	assert.False(t, released)

	held, err := l.Held(ctx, "seat:1", "conn-b")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestVerifyDetectsLostLock(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "seat:1", "conn-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, Verify(l, "seat:1", "conn-a")(ctx))

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, Verify(l, "seat:1", "conn-a")(ctx), ErrLockLost)
}

func TestScopedAlwaysReleases(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := Scoped(ctx, l, "seat:1", "conn-a", time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:seat:1"))

	err = Scoped(ctx, l, "seat:1", "conn-a", time.Minute, func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.False(t, mr.Exists("lock:seat:1"))
}

func TestScopedContended(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "seat:1", "conn-a", time.Minute)
	require.NoError(t, err)

	called := false
	err = Scoped(ctx, l, "seat:1", "conn-b", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "seat:9", fmt.Sprintf("conn-%d", i), time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
