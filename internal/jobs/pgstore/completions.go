package pgstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/stereo-forge/internal/jobs"
)

// DefaultChannel は完了記録の変更を通知する LISTEN/NOTIFY チャネル名です。
const DefaultChannel = "segment_completions"

// CompletionStore は jobs.CompletionStore の PostgreSQL 実装です。
// 書き込みと同じトランザクションで pg_notify を発行し、コミット時に通知されます。
type CompletionStore struct {
	db      *gorm.DB
	channel string
}

// NewCompletionStore は CompletionStore を作成します。
func NewCompletionStore(db *gorm.DB, channel string) *CompletionStore {
	if channel == "" {
		channel = DefaultChannel
	}
	return &CompletionStore{db: db, channel: channel}
}

func (s *CompletionStore) Put(ctx context.Context, c jobs.SegmentCompletion) error {
	if c.JobID == "" || c.SegmentIndex < 0 {
		return fmt.Errorf("invalid completion: job=%q index=%d", c.JobID, c.SegmentIndex)
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	change, err := jobs.EncodeChange(jobs.Change{JobID: c.JobID, SegmentIndex: c.SegmentIndex})
	if err != nil {
		return err
	}
	row := completionRow{
		JobID:          c.JobID,
		SegmentIndex:   c.SegmentIndex,
		OutputLocation: c.OutputLocation,
		CompletedAt:    c.CompletedAt,
		TotalSegments:  c.TotalSegments,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "segment_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"output_location", "completed_at", "total_segments"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Exec("SELECT pg_notify(?, ?)", s.channel, string(change)).Error
	})
}

func (s *CompletionStore) QueryByJob(ctx context.Context, jobID string) ([]jobs.SegmentCompletion, error) {
	var rows []completionRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("segment_index").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]jobs.SegmentCompletion, 0, len(rows))
	for _, r := range rows {
		out = append(out, jobs.SegmentCompletion{
			JobID:          r.JobID,
			SegmentIndex:   r.SegmentIndex,
			OutputLocation: r.OutputLocation,
			CompletedAt:    r.CompletedAt.UTC(),
			TotalSegments:  r.TotalSegments,
		})
	}
	return out, nil
}

func (s *CompletionStore) DeleteByJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&completionRow{}).Error
}
