package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BodyField はストリームエントリの本文フィールド名です。
const BodyField = "body"

// RedisStreams は Redis Streams のコンシューマグループでキューを実現します。
// XACK されなかったエントリは visibility 経過後に XAUTOCLAIM で再配送されます。
type RedisStreams struct {
	rdb        *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	maxLen     int64

	mu      sync.Mutex
	ensured bool
}

// NewRedisStreams は RedisStreams を作成します。
func NewRedisStreams(rdb *redis.Client, stream, group, consumer string, visibility time.Duration) *RedisStreams {
	return &RedisStreams{
		rdb:        rdb,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		maxLen:     100000,
	}
}

func (q *RedisStreams) Send(ctx context.Context, body []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{BodyField: body},
	}).Err()
}

func (q *RedisStreams) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	// 可視性タイムアウトを過ぎた未確認エントリを先に回収する
	if q.visibility > 0 {
		claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.visibility,
			Start:    "0-0",
			Count:    int64(max),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
		}
		if len(claimed) > 0 {
			return toMessages(claimed), nil
		}
	}

	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}
	var out []Message
	for _, s := range streams {
		out = append(out, toMessages(s.Messages)...)
	}
	return out, nil
}

func (q *RedisStreams) Delete(ctx context.Context, handle string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, q.group, handle)
		p.XDel(ctx, q.stream, handle)
		return nil
	})
	return err
}

func (q *RedisStreams) ensureGroup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s/%s: %w", q.stream, q.group, err)
	}
	q.ensured = true
	return nil
}

func toMessages(entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		var body []byte
		switch v := e.Values[BodyField].(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		}
		out = append(out, Message{ID: e.ID, Body: body, Handle: e.ID})
	}
	return out
}
