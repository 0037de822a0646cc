package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	completionKeyPrefix = "completions:"

	// DefaultChangeStream は完了記録の変更ストリーム名です。
	DefaultChangeStream = "stream:completions"
	// ChangeBodyField はストリームエントリの本文フィールド名です。queue.RedisStreams と共通です。
	ChangeBodyField = "body"
)

// RedisCompletionStore はセグメント完了記録を Redis ハッシュに保存します。
// 書き込みと同じ MULTI で変更ストリームに XADD するため、記録が残れば通知も必ず残ります。
type RedisCompletionStore struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisCompletionStore は RedisCompletionStore を作成します。
func NewRedisCompletionStore(rdb *redis.Client, stream string) *RedisCompletionStore {
	if stream == "" {
		stream = DefaultChangeStream
	}
	return &RedisCompletionStore{rdb: rdb, stream: stream, maxLen: 100000}
}

func (s *RedisCompletionStore) Put(ctx context.Context, c SegmentCompletion) error {
	if c.JobID == "" || c.SegmentIndex < 0 {
		return fmt.Errorf("invalid completion: job=%q index=%d", c.JobID, c.SegmentIndex)
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	change, err := EncodeChange(Change{JobID: c.JobID, SegmentIndex: c.SegmentIndex})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, completionKey(c.JobID), strconv.Itoa(c.SegmentIndex), payload)
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{ChangeBodyField: change},
		})
		return nil
	})
	return err
}

func (s *RedisCompletionStore) QueryByJob(ctx context.Context, jobID string) ([]SegmentCompletion, error) {
	fields, err := s.rdb.HGetAll(ctx, completionKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SegmentCompletion, 0, len(fields))
	for field, raw := range fields {
		var c SegmentCompletion
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode completion %s/%s: %w", jobID, field, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SegmentIndex < out[b].SegmentIndex })
	return out, nil
}

func (s *RedisCompletionStore) DeleteByJob(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, completionKey(jobID)).Err()
}

func completionKey(jobID string) string {
	return completionKeyPrefix + jobID
}
