package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Oracle-Delphi/internal/llm"
)

// 需要真实 Redis：ORACLE_TEST_REDIS=127.0.0.1:6379 go test ./internal/memory
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("ORACLE_TEST_REDIS")
	if addr == "" {
		t.Skip("ORACLE_TEST_REDIS 未设置")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	store := NewRedisStore(client, RedisConfig{
		KeyPrefix:    "oracle:test:" + uuid.NewString() + ":",
		TTL:          time.Minute,
		MaxPerThread: 3,
	})
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", llm.User("q1"), llm.Assistant("a1")))
	require.NoError(t, store.Append(ctx, "s1", llm.User("q2"), llm.Assistant("a2")))

	all, err := store.Load(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{llm.Assistant("a1"), llm.User("q2"), llm.Assistant("a2")}, all)

	recent, err := store.Load(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{llm.Assistant("a2")}, recent)

	ttl, err := client.TTL(ctx, store.key("s1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Clear(ctx, "s1"))
	empty, err := store.Load(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
