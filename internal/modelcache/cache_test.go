package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TTL = time.Hour
	opts.LockWait = 0
	return opts
}

func TestLocalOnly(t *testing.T) {
	ctx := context.Background()
	c := New(testOptions(), nil, zerolog.Nop())

	_, ok := c.Get(ctx, "z1/fever")
	assert.False(t, ok)

	c.Put(ctx, "z1/fever", []byte("artifact"))
	data, ok := c.Get(ctx, "z1/fever")
	require.True(t, ok)
	assert.Equal(t, []byte("artifact"), data)
	assert.Equal(t, 1, c.Len())

	c.Invalidate(ctx, "z1/fever")
	_, ok = c.Get(ctx, "z1/fever")
	assert.False(t, ok)
}

func TestRedisTierSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	writer := New(testOptions(), rdb, zerolog.Nop())
	writer.Put(ctx, "z1/fever", []byte("artifact"))
	assert.True(t, mr.Exists("canary:model:z1/fever"))

	reader := New(testOptions(), rdb, zerolog.Nop())
	data, ok := reader.Get(ctx, "z1/fever")
	require.True(t, ok)
	assert.Equal(t, []byte("artifact"), data)
	assert.Equal(t, 1, reader.Len(), "redis hit warms the local tier")
}

func TestRedisTierExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	New(testOptions(), rdb, zerolog.Nop()).Put(ctx, "z1/fever", []byte("artifact"))
	mr.FastForward(2 * time.Hour)

	_, ok := New(testOptions(), rdb, zerolog.Nop()).Get(ctx, "z1/fever")
	assert.False(t, ok)
}

func TestGetOrTrainTrainsOnce(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	c := New(testOptions(), rdb, zerolog.Nop())

	var calls atomic.Int32
	train := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("model"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := c.GetOrTrain(ctx, "z1/fever", train)
			assert.NoError(t, err)
			assert.Equal(t, []byte("model"), data)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	data, cached, err := c.GetOrTrain(ctx, "z1/fever", train)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, []byte("model"), data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrTrainPropagatesErrors(t *testing.T) {
	c := New(testOptions(), nil, zerolog.Nop())
	boom := errors.New("boom")

	_, _, err := c.GetOrTrain(context.Background(), "z1/fever", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	_, _, err = c.GetOrTrain(context.Background(), "z1/fever", func(context.Context) ([]byte, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestGetOrTrainWithBusyLockTrainsLocally(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	opts := testOptions()

	held, err := redislock.New(rdb).Obtain(ctx, opts.KeyPrefix+"lock:z1/fever", time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	c := New(opts, rdb, zerolog.Nop())
	data, cached, err := c.GetOrTrain(ctx, "z1/fever", func(context.Context) ([]byte, error) {
		return []byte("local"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []byte("local"), data)
}

func TestGetOrTrainReleasesLock(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	opts := testOptions()
	c := New(opts, rdb, zerolog.Nop())

	_, _, err := c.GetOrTrain(ctx, "z1/fever", func(context.Context) ([]byte, error) {
		return []byte("model"), nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(opts.KeyPrefix+"lock:z1/fever"))
}
