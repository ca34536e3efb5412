package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// exerciseMutualExclusion runs workers that each hold key briefly and checks
// no two ever overlap.
func exerciseMutualExclusion(t *testing.T, l Locker, key string) {
	t.Helper()

	var (
		wg      sync.WaitGroup
		inside  int32
		overlap int32
		count   int32
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				unlock, err := l.Lock(context.Background(), key)
				if !assert.NoError(t, err) {
					return
				}
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&count, 1)
				atomic.AddInt32(&inside, -1)
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap), "lock holders overlapped")
	assert.Equal(t, int32(40), atomic.LoadInt32(&count))
}

func TestKeyed_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewKeyed(16), "2025-07-31/strathmore-sensor1")
}

func TestKeyed_Timeout(t *testing.T) {
	l := NewKeyed(1)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// With a single stripe every key contends.
	_, err = l.Lock(ctx, "b")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestKeyed_ReleaseAllowsNextHolder(t *testing.T) {
	l := NewKeyed(0)
	assert.Len(t, l.stripes, DefaultStripes)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err = l.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_MutualExclusion(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewRedis(client, zap.NewNop(), WithRetryInterval(time.Millisecond))

	exerciseMutualExclusion(t, l, "2025-07-31/strathmore-sensor1")
}

func TestRedis_LeaseAndRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, zap.NewNop(), WithKeyPrefix("test:"), WithLeaseTTL(time.Minute))

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:k"))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	unlock()
	assert.False(t, mr.Exists("test:k"))
}

func TestRedis_TimeoutWhileHeld(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, zap.NewNop(), WithRetryInterval(time.Millisecond))

	require.NoError(t, mr.Set(DefaultKeyPrefix+"k", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "k")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedis_ReleaseKeepsForeignLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, zap.NewNop(), WithLeaseTTL(time.Second))

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Our lease expires and another instance takes the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(DefaultKeyPrefix+"k", "other-holder"))

	unlock()
	got, err := mr.Get(DefaultKeyPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}
