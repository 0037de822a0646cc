// Package pgstore は jobs の各ストア契約を PostgreSQL (gorm) で実装します。
// 条件付き書き込みは INSERT ... ON CONFLICT DO NOTHING と条件付き UPDATE の影響行数で判定します。
package pgstore

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
)

type jobRow struct {
	JobID               string `gorm:"column:job_id;primaryKey"`
	Mode                string
	Status              string `gorm:"index"`
	Title               string
	SourceURL           string
	SourceFileSizeBytes int64
	TotalSegments       *int
	ErrorCode           string
	ErrorMessage        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	UploadedAt          *time.Time
	CompletedAt         *time.Time `gorm:"index"`
}

func (jobRow) TableName() string { return "stereo_jobs" }

type completionRow struct {
	JobID          string `gorm:"column:job_id;primaryKey"`
	SegmentIndex   int    `gorm:"column:segment_index;primaryKey;autoIncrement:false"`
	OutputLocation string
	CompletedAt    time.Time
	TotalSegments  *int
}

func (completionRow) TableName() string { return "segment_completions" }

type lockRow struct {
	JobID               string `gorm:"column:job_id;primaryKey"`
	TriggeredAt         time.Time
	ReassemblyStartedAt *time.Time `gorm:"column:reassembly_started_at"`
	ExpiresAt           time.Time
}

func (lockRow) TableName() string { return "reassembly_locks" }

type invocationRow struct {
	OutputLocation string `gorm:"column:output_location;primaryKey"`
	InferenceID    string
	JobID          string `gorm:"index"`
	SegmentIndex   int
	TotalSegments  int
	OutputURI      string
	CreatedAt      time.Time
}

func (invocationRow) TableName() string { return "inference_invocations" }

// Open は DSN から gorm の接続を作成します。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// Migrate はテーブルを作成・更新します。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{}, &completionRow{}, &lockRow{}, &invocationRow{})
}

func toRow(j *jobs.Job) *jobRow {
	row := &jobRow{
		JobID:               j.JobID,
		Mode:                string(j.Mode),
		Status:              string(j.Status),
		Title:               j.Title,
		SourceURL:           j.SourceURL,
		SourceFileSizeBytes: j.SourceFileSizeBytes,
		TotalSegments:       j.TotalSegments,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		UploadedAt:          j.UploadedAt,
		CompletedAt:         j.CompletedAt,
	}
	if j.Error != nil {
		row.ErrorCode = j.Error.Code
		row.ErrorMessage = j.Error.Message
	}
	return row
}

func (r *jobRow) toJob() *jobs.Job {
	j := &jobs.Job{
		JobID:               r.JobID,
		Mode:                keys.Mode(r.Mode),
		Status:              jobs.Status(r.Status),
		Title:               r.Title,
		SourceURL:           r.SourceURL,
		SourceFileSizeBytes: r.SourceFileSizeBytes,
		TotalSegments:       r.TotalSegments,
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
		UploadedAt:          r.UploadedAt,
		CompletedAt:         r.CompletedAt,
	}
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		j.Error = &jobs.ErrorInfo{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return j
}
