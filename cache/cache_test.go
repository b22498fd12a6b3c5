package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	c, err := NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("repo")
	assert.False(t, ok)

	value := []string{"a@test.com", "b@test.com"}
	c.Set("repo", value)
	value[0] = "changed"

	got, ok := c.Get("repo")
	require.True(t, ok)
	assert.Equal(t, []string{"a@test.com", "b@test.com"}, got)

	c.Set("empty", nil)
	got, ok = c.Get("empty")
	require.True(t, ok)
	assert.Empty(t, got)

	c.Invalidate("repo")
	_, ok = c.Get("repo")
	assert.False(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	c, err := NewMemoryCache(100, 50*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	c.Set("repo", []string{"a@test.com"})
	time.Sleep(100 * time.Millisecond)
	_, ok := c.Get("repo")
	assert.False(t, ok)
}

// Runs only against a real redis given by SEAFEVENTS_TEST_REDIS, e.g. 127.0.0.1:6379.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("SEAFEVENTS_TEST_REDIS")
	if addr == "" {
		t.Skip("SEAFEVENTS_TEST_REDIS is not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	c := NewRedisCache(client, "seafevents-test:", time.Minute)
	c.Set("repo", []string{"a@test.com"})
	got, ok := c.Get("repo")
	require.True(t, ok)
	assert.Equal(t, []string{"a@test.com"}, got)

	c.Invalidate("repo")
	_, ok = c.Get("repo")
	assert.False(t, ok)
}
