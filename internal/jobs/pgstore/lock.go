package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/stereo-forge/internal/jobs"
)

// Lock は jobs.Lock の PostgreSQL 実装です。
type Lock struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewLock は Lock を作成します。
func NewLock(db *gorm.DB, ttl time.Duration) *Lock {
	return &Lock{db: db, ttl: ttl, now: time.Now}
}

func (l *Lock) TryCreate(ctx context.Context, jobID string) (bool, error) {
	now := l.now().UTC()
	db := l.db.WithContext(ctx)
	// 期限切れのレコードは作り直せるようにする
	if err := db.Where("job_id = ? AND expires_at <= ?", jobID, now).Delete(&lockRow{}).Error; err != nil {
		return false, err
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lockRow{
		JobID:       jobID,
		TriggeredAt: now,
		ExpiresAt:   l.expiresAt(now),
	})
	if res.Error != nil {
		return false, fmt.Errorf("lock try-create %s: %w", jobID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *Lock) TrySetIfAbsent(ctx context.Context, jobID, field string, staleAfter time.Duration) (bool, error) {
	if field != jobs.FieldReassemblyStartedAt {
		return false, fmt.Errorf("%w: %s", jobs.ErrUnknownLockField, field)
	}
	now := l.now().UTC().Truncate(time.Microsecond)
	db := l.db.WithContext(ctx)

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lockRow{
		JobID:               jobID,
		TriggeredAt:         now,
		ReassemblyStartedAt: &now,
		ExpiresAt:           l.expiresAt(now),
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	q := db.Model(&lockRow{}).Where("job_id = ?", jobID)
	if staleAfter > 0 {
		q = q.Where("reassembly_started_at IS NULL OR reassembly_started_at < ?", now.Add(-staleAfter))
	} else {
		q = q.Where("reassembly_started_at IS NULL")
	}
	res = q.Update("reassembly_started_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("lock set %s.%s: %w", jobID, field, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Renew の時刻はカラムの精度（マイクロ秒）に揃えて保存し、次の比較に使えるようにします。
func (l *Lock) Renew(ctx context.Context, jobID, field string, held time.Time) (time.Time, bool, error) {
	if field != jobs.FieldReassemblyStartedAt {
		return time.Time{}, false, fmt.Errorf("%w: %s", jobs.ErrUnknownLockField, field)
	}
	now := l.now().UTC().Truncate(time.Microsecond)
	res := l.db.WithContext(ctx).Model(&lockRow{}).
		Where("job_id = ? AND reassembly_started_at = ?", jobID, held).
		Update("reassembly_started_at", now)
	if res.Error != nil {
		return time.Time{}, false, fmt.Errorf("lock renew %s.%s: %w", jobID, field, res.Error)
	}
	if res.RowsAffected != 1 {
		return time.Time{}, false, nil
	}
	return now, true, nil
}

func (l *Lock) ClearField(ctx context.Context, jobID, field string) error {
	if field != jobs.FieldReassemblyStartedAt {
		return fmt.Errorf("%w: %s", jobs.ErrUnknownLockField, field)
	}
	return l.db.WithContext(ctx).Model(&lockRow{}).
		Where("job_id = ?", jobID).
		Update("reassembly_started_at", gorm.Expr("NULL")).Error
}

func (l *Lock) Get(ctx context.Context, jobID string) (*jobs.LockRecord, error) {
	var row lockRow
	err := l.db.WithContext(ctx).
		Where("job_id = ? AND expires_at > ?", jobID, l.now().UTC()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &jobs.LockRecord{
		JobID:               row.JobID,
		TriggeredAt:         row.TriggeredAt.UTC(),
		ReassemblyStartedAt: row.ReassemblyStartedAt,
		ExpiresAt:           row.ExpiresAt.UTC(),
	}, nil
}

func (l *Lock) Delete(ctx context.Context, jobID string) error {
	return l.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&lockRow{}).Error
}

func (l *Lock) expiresAt(now time.Time) time.Time {
	if l.ttl <= 0 {
		return now.AddDate(100, 0, 0)
	}
	return now.Add(l.ttl)
}
