package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "lock:reassembly:"
	fieldTriggeredAt = "triggered_at"
)

var tryCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'triggered_at', ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// ARGV: field, now(ms), staleAfter(ms), ttl(ms)
var trySetIfAbsentScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])
if current then
	if stale <= 0 or now - tonumber(current) < stale then
		return 0
	end
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'triggered_at', ARGV[2])
	if tonumber(ARGV[4]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// ARGV: field, held(ms), now(ms)
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// RedisLock は Lua スクリプトで条件付き書き込みを行う Lock 実装です。
type RedisLock struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisLock は RedisLock を作成します。ttl はレコードのガベージコレクション用です。
func NewRedisLock(rdb *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, ttl: ttl, now: time.Now}
}

func (l *RedisLock) TryCreate(ctx context.Context, jobID string) (bool, error) {
	n, err := tryCreateScript.Run(ctx, l.rdb, []string{lockKey(jobID)},
		l.now().UnixMilli(), l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock try-create %s: %w", jobID, err)
	}
	return n == 1, nil
}

func (l *RedisLock) TrySetIfAbsent(ctx context.Context, jobID, field string, staleAfter time.Duration) (bool, error) {
	if !validLockField(field) {
		return false, fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	n, err := trySetIfAbsentScript.Run(ctx, l.rdb, []string{lockKey(jobID)},
		field, l.now().UnixMilli(), staleAfter.Milliseconds(), l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock set %s.%s: %w", jobID, field, err)
	}
	return n == 1, nil
}

func (l *RedisLock) Renew(ctx context.Context, jobID, field string, held time.Time) (time.Time, bool, error) {
	if !validLockField(field) {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	now := l.now().UnixMilli()
	n, err := renewScript.Run(ctx, l.rdb, []string{lockKey(jobID)},
		field, strconv.FormatInt(held.UnixMilli(), 10), now).Int()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lock renew %s.%s: %w", jobID, field, err)
	}
	if n != 1 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(now).UTC(), true, nil
}

func (l *RedisLock) ClearField(ctx context.Context, jobID, field string) error {
	if !validLockField(field) {
		return fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	return l.rdb.HDel(ctx, lockKey(jobID), field).Err()
}

func (l *RedisLock) Get(ctx context.Context, jobID string) (*LockRecord, error) {
	key := lockKey(jobID)
	fields, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &LockRecord{JobID: jobID}
	if v, ok := fields[fieldTriggeredAt]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, err
		}
		rec.TriggeredAt = t
	}
	if v, ok := fields[FieldReassemblyStartedAt]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, err
		}
		rec.ReassemblyStartedAt = &t
	}
	ttl, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if ttl > 0 {
		rec.ExpiresAt = l.now().UTC().Add(ttl)
	}
	return rec, nil
}

func (l *RedisLock) Delete(ctx context.Context, jobID string) error {
	return l.rdb.Del(ctx, lockKey(jobID)).Err()
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lock timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func lockKey(jobID string) string {
	return lockKeyPrefix + jobID
}
