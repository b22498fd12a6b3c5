// Package cache provides TTL caches of string lists, such as the subscribers of a repo.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ListCache caches string lists by key. Entries expire after the cache's TTL.
type ListCache interface {
	Get(key string) ([]string, bool)
	Set(key string, value []string)
	Invalidate(key string)
}

// MemoryCache is an in-process ListCache.
type MemoryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewMemoryCache creates an in-process cache holding about maxItems lists.
func NewMemoryCache(maxItems int64, ttl time.Duration) (*MemoryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &MemoryCache{cache: c, ttl: ttl}, nil
}

// Get returns a copy of the cached list.
func (c *MemoryCache) Get(key string) ([]string, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	list, ok := v.([]string)
	if !ok {
		return nil, false
	}
	return append([]string(nil), list...), true
}

// Set stores value. The entry is visible to Get when Set returns.
func (c *MemoryCache) Set(key string, value []string) {
	c.cache.SetWithTTL(key, append([]string(nil), value...), 1, c.ttl)
	c.cache.Wait()
}

// Invalidate removes key.
func (c *MemoryCache) Invalidate(key string) {
	c.cache.Del(key)
}

// Close stops the cache's goroutines.
func (c *MemoryCache) Close() {
	c.cache.Close()
}

// RedisCache is a ListCache shared by all processes using the same redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache storing lists as JSON under prefix+key.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(key string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("Failed to get %s from redis: %v", key, err)
		}
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warnf("Failed to decode cached value of %s: %v", key, err)
		return nil, false
	}
	return list, true
}

func (c *RedisCache) Set(key string, value []string) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		log.Warnf("Failed to set %s in redis: %v", key, err)
	}
}

func (c *RedisCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		log.Warnf("Failed to delete %s from redis: %v", key, err)
	}
}
