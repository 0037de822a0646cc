package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/stereo-forge/internal/jobs"
)

// JobStore は jobs.JobStore の PostgreSQL 実装です。
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore は JobStore を作成します。
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// Get は主キーで取得します。PostgreSQL の読み取りは常に強整合です。
func (s *JobStore) Get(ctx context.Context, jobID string, _ bool) (*jobs.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	var row jobRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	s.stamp(job)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(toRow(job))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobExists, job.JobID)
	}
	return nil
}

func (s *JobStore) Put(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	s.stamp(job)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(toRow(job)).Error
}

// Update は SELECT ... FOR UPDATE で行ロックを取ってから更新します。
func (s *JobStore) Update(ctx context.Context, jobID string, u jobs.Update) (*jobs.Job, error) {
	var updated *jobs.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("job_id = ?", jobID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		job := row.toJob()
		if err := jobs.Apply(job, u, s.now()); err != nil {
			return err
		}
		if err := tx.Save(toRow(job)).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *JobStore) ListCompleted(ctx context.Context, limit int, cursor string) ([]*jobs.Job, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor: %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 20
	}
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(jobs.StatusCompleted)).
		Order("completed_at DESC").
		Offset(offset).
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		next = strconv.Itoa(offset + limit)
	}
	return toJobs(rows), next, nil
}

func (s *JobStore) ListInProgress(ctx context.Context) ([]*jobs.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			string(jobs.StatusCompleted), string(jobs.StatusFailed), string(jobs.StatusDeleted),
		}).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toJobs(rows), nil
}

func (s *JobStore) stamp(job *jobs.Job) {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

func toJobs(rows []jobRow) []*jobs.Job {
	out := make([]*jobs.Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out
}
