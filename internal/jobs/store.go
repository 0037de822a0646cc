package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "job:"
	inProgressKey = "jobs:in_progress"
	completedKey  = "jobs:completed"

	maxTxRetries = 16
)

// Store はジョブ状態を Redis に保存します。
// ジョブ本体は job:{id} に JSON で置き、一覧用に状態別のインデックスを併せて更新します。
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb: rdb,
		now: time.Now,
	}
}

// Get はジョブ情報を取得します。Redis のプライマリ読み取りは常に強整合です。
func (s *Store) Get(ctx context.Context, jobID string, _ bool) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Create は同じ ID のジョブが存在しない場合に限り保存します。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	key := jobKey(job.JobID)
	s.stamp(job)
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrJobExists, job.JobID)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			indexJob(ctx, p, job)
			return nil
		})
		return err
	})
}

// Put はジョブ情報を保存します（存在しない場合は作成）。
func (s *Store) Put(ctx context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	s.stamp(job)
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKey(job.JobID), payload, 0)
		indexJob(ctx, p, job)
		return nil
	})
	return err
}

// Update は WATCH で楽観ロックを取りながら部分更新します。
func (s *Store) Update(ctx context.Context, jobID string, u Update) (*Job, error) {
	key := jobKey(jobID)
	var updated *Job
	err := s.withRetry(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := Apply(&job, u, s.now()); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			indexJob(ctx, p, &job)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListCompleted は完了日時の新しい順にジョブを返します。
func (s *Store) ListCompleted(ctx context.Context, limit int, cursor string) ([]*Job, string, error) {
	offset := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor: %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 20
	}
	// 次ページの有無を判定するため1件多く読む
	ids, err := s.rdb.ZRevRange(ctx, completedKey, offset, offset+int64(limit)).Result()
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = strconv.FormatInt(offset+int64(limit), 10)
	}
	list, err := s.mget(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	return list, next, nil
}

// ListInProgress は自動処理中のジョブを返します。
func (s *Store) ListInProgress(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, inProgressKey).Result()
	if err != nil {
		return nil, err
	}
	return s.mget(ctx, ids)
}

func (s *Store) mget(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, nil
}

func (s *Store) withRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s: too many conflicts", key)
}

func (s *Store) stamp(job *Job) {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

func indexJob(ctx context.Context, p redis.Pipeliner, job *Job) {
	if job.Status.InProgress() {
		p.SAdd(ctx, inProgressKey, job.JobID)
	} else {
		p.SRem(ctx, inProgressKey, job.JobID)
	}
	if job.Status == StatusCompleted {
		p.ZAdd(ctx, completedKey, redis.Z{
			Score:  float64(completedAt(job).UnixMilli()),
			Member: job.JobID,
		})
	} else {
		p.ZRem(ctx, completedKey, job.JobID)
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
