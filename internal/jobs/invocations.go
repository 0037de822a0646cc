package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const invocationKeyPrefix = "invocation:"

// RedisInvocationStore は非同期推論の呼び出し記録を保存します。
// 通知が届かないまま残った記録は ttl で消えます。
type RedisInvocationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisInvocationStore は RedisInvocationStore を作成します。
func NewRedisInvocationStore(rdb *redis.Client, ttl time.Duration) *RedisInvocationStore {
	return &RedisInvocationStore{rdb: rdb, ttl: ttl}
}

func (s *RedisInvocationStore) Put(ctx context.Context, inv Invocation) error {
	if inv.OutputLocation == "" {
		return fmt.Errorf("invocation output location is required")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, invocationKey(inv.OutputLocation), payload, s.ttl).Err()
}

func (s *RedisInvocationStore) Get(ctx context.Context, outputLocation string) (*Invocation, error) {
	data, err := s.rdb.Get(ctx, invocationKey(outputLocation)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Delete は DEL の削除件数で、この呼び出しが削除したかを判定します。
func (s *RedisInvocationStore) Delete(ctx context.Context, outputLocation string) (bool, error) {
	n, err := s.rdb.Del(ctx, invocationKey(outputLocation)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func invocationKey(outputLocation string) string {
	return invocationKeyPrefix + outputLocation
}
