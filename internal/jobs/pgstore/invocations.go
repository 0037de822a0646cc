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

// InvocationStore は jobs.InvocationStore の PostgreSQL 実装です。
type InvocationStore struct {
	db *gorm.DB
}

// NewInvocationStore は InvocationStore を作成します。
func NewInvocationStore(db *gorm.DB) *InvocationStore {
	return &InvocationStore{db: db}
}

func (s *InvocationStore) Put(ctx context.Context, inv jobs.Invocation) error {
	if inv.OutputLocation == "" {
		return fmt.Errorf("invocation output location is required")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&invocationRow{
		OutputLocation: inv.OutputLocation,
		InferenceID:    inv.InferenceID,
		JobID:          inv.JobID,
		SegmentIndex:   inv.SegmentIndex,
		TotalSegments:  inv.TotalSegments,
		OutputURI:      inv.OutputURI,
		CreatedAt:      inv.CreatedAt,
	}).Error
}

func (s *InvocationStore) Get(ctx context.Context, outputLocation string) (*jobs.Invocation, error) {
	var row invocationRow
	err := s.db.WithContext(ctx).Where("output_location = ?", outputLocation).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &jobs.Invocation{
		OutputLocation: row.OutputLocation,
		InferenceID:    row.InferenceID,
		JobID:          row.JobID,
		SegmentIndex:   row.SegmentIndex,
		TotalSegments:  row.TotalSegments,
		OutputURI:      row.OutputURI,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func (s *InvocationStore) Delete(ctx context.Context, outputLocation string) (bool, error) {
	res := s.db.WithContext(ctx).Where("output_location = ?", outputLocation).Delete(&invocationRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
