// Package modelcache keeps trained ensemble artifacts so a pair is not retrained on every sweep.
// Artifacts live in an in-process expirable LRU and, when Redis is configured, in a shared Redis
// tier. Training of one key is deduplicated in-process and serialized across replicas with a
// Redis lock.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"drugstore-canary/internal/metrics"
)

// Options tune the cache.
type Options struct {
	Size      int           `mapstructure:"size"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	// LockTTL bounds how long a replica may hold the training lock for one key.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// LockWait is how long to wait for another replica's training before training locally.
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// DefaultOptions returns a 256-entry, 24h cache with a 10 minute lock.
func DefaultOptions() Options {
	return Options{
		Size:      256,
		TTL:       24 * time.Hour,
		KeyPrefix: "canary:model:",
		LockTTL:   10 * time.Minute,
		LockWait:  2 * time.Minute,
	}
}

// TrainFunc produces a serialized artifact for a cache miss.
type TrainFunc func(ctx context.Context) ([]byte, error)

// Cache is a two-tier artifact cache.
type Cache struct {
	opts   Options
	local  *expirable.LRU[string, []byte]
	rdb    *redis.Client
	locker *redislock.Client
	group  singleflight.Group
	logger zerolog.Logger
}

// New builds a Cache. rdb may be nil for a purely local cache.
func New(opts Options, rdb *redis.Client, logger zerolog.Logger) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultOptions().Size
	}
	c := &Cache{
		opts:   opts,
		local:  expirable.NewLRU[string, []byte](opts.Size, nil, opts.TTL),
		rdb:    rdb,
		logger: logger.With().Str("component", "model_cache").Logger(),
	}
	if rdb != nil {
		c.locker = redislock.New(rdb)
	}
	return c
}

// Get returns the artifact for key from the local tier, then Redis. A Redis hit warms the local tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := c.local.Get(key); ok {
		metrics.ModelCacheLookupsTotal.WithLabelValues("local", "hit").Inc()
		return data, true
	}
	metrics.ModelCacheLookupsTotal.WithLabelValues("local", "miss").Inc()

	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, c.opts.KeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis model lookup failed")
		}
		metrics.ModelCacheLookupsTotal.WithLabelValues("redis", "miss").Inc()
		return nil, false
	}
	metrics.ModelCacheLookupsTotal.WithLabelValues("redis", "hit").Inc()
	c.local.Add(key, data)
	return data, true
}

// Put stores data in both tiers. Redis failures are logged and otherwise ignored.
func (c *Cache) Put(ctx context.Context, key string, data []byte) {
	c.local.Add(key, data)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.opts.KeyPrefix+key, data, c.opts.TTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis model store failed")
	}
}

// Invalidate drops key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.local.Remove(key)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, c.opts.KeyPrefix+key).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis model delete failed")
		}
	}
}

// Len reports the number of artifacts in the local tier.
func (c *Cache) Len() int {
	return c.local.Len()
}

// GetOrTrain returns the cached artifact for key, or trains and stores one. It reports whether
// the artifact came from the cache.
func (c *Cache) GetOrTrain(ctx context.Context, key string, train TrainFunc) ([]byte, bool, error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, true, nil
	}

	type outcome struct {
		data   []byte
		cached bool
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if data, ok := c.local.Get(key); ok {
			return outcome{data: data, cached: true}, nil
		}
		data, cached, err := c.trainLocked(ctx, key, train)
		if err != nil {
			return nil, err
		}
		return outcome{data: data, cached: cached}, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(outcome)
	return out.data, out.cached, nil
}

func (c *Cache) trainLocked(ctx context.Context, key string, train TrainFunc) ([]byte, bool, error) {
	if c.locker == nil {
		return c.trainAndStore(ctx, key, train)
	}

	lock, err := c.locker.Obtain(ctx, c.opts.KeyPrefix+"lock:"+key, c.opts.LockTTL, &redislock.Options{
		RetryStrategy: c.retryStrategy(),
	})
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		if data, ok := c.Get(ctx, key); ok {
			return data, true, nil
		}
		c.logger.Warn().Str("key", key).Msg("training lock busy, training locally")
		return c.trainAndStore(ctx, key, train)
	case err != nil:
		c.logger.Warn().Err(err).Str("key", key).Msg("obtain training lock failed, training locally")
		return c.trainAndStore(ctx, key, train)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.logger.Warn().Err(err).Str("key", key).Msg("release training lock failed")
		}
	}()

	// Another replica may have finished while we waited for the lock.
	if data, ok := c.Get(ctx, key); ok {
		return data, true, nil
	}
	return c.trainAndStore(ctx, key, train)
}

func (c *Cache) trainAndStore(ctx context.Context, key string, train TrainFunc) ([]byte, bool, error) {
	data, err := train(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("train %s: empty artifact", key)
	}
	c.Put(ctx, key, data)
	return data, false, nil
}

func (c *Cache) retryStrategy() redislock.RetryStrategy {
	const step = 250 * time.Millisecond
	if c.opts.LockWait <= 0 {
		return redislock.NoRetry()
	}
	return redislock.LimitRetry(redislock.LinearBackoff(step), int(c.opts.LockWait/step))
}
