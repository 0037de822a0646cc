package jobs

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis は TEST_REDIS_ADDR が設定されている場合のみクライアントを返します。
func newTestRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, fmt.Sprintf("test-%d-", time.Now().UnixNano())
}

func TestRedisJobStore(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	runJobStoreContract(t, NewStore(rdb), prefix)
}

func TestRedisCompletionStore(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	stream := prefix + "changes"
	t.Cleanup(func() { rdb.Del(context.Background(), stream) })

	runCompletionStoreContract(t, NewRedisCompletionStore(rdb, stream), prefix)

	entries, err := rdb.XRange(context.Background(), stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	body, ok := entries[0].Values[ChangeBodyField].(string)
	require.True(t, ok)
	change, err := DecodeChange([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, prefix+"job-c", change.JobID)
}

func TestRedisLock(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	runLockContract(t, NewRedisLock(rdb, time.Hour), prefix)
	runLockRace(t, NewRedisLock(rdb, time.Hour), prefix)
}

func TestRedisInvocationStore(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	runInvocationStoreContract(t, NewRedisInvocationStore(rdb, time.Hour), prefix)
}
