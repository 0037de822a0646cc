package jobs

import (
	"fmt"
	"time"
)

// Update はジョブの部分更新内容です。nil のフィールドは変更しません。
type Update struct {
	// ExpectStatus が空でなければ、現在の状態がいずれかに一致する場合のみ適用します。
	ExpectStatus []Status

	Status              *Status
	TotalSegments       *int
	SourceFileSizeBytes *int64
	UploadedAt          *time.Time
	CompletedAt         *time.Time
	Title               *string
	Error               *ErrorInfo
	ClearError          bool
}

// SetStatus は状態遷移のみを行う Update を作成します。
func SetStatus(to Status, expect ...Status) Update {
	return Update{Status: &to, ExpectStatus: expect}
}

// Fail はジョブを failed にしてエラー情報を記録する Update を作成します。
func Fail(code, message string, expect ...Status) Update {
	to := StatusFailed
	return Update{
		Status:       &to,
		ExpectStatus: expect,
		Error:        &ErrorInfo{Code: code, Message: message},
	}
}

// Apply は job に更新を適用します。すべてのストア実装はこの関数で検証します。
func Apply(job *Job, u Update, now time.Time) error {
	if len(u.ExpectStatus) > 0 && !containsStatus(u.ExpectStatus, job.Status) {
		return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, job.JobID, job.Status)
	}
	if u.Status != nil && !CanTransition(job.Status, *u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *u.Status)
	}
	if u.TotalSegments != nil {
		if *u.TotalSegments < 1 {
			return fmt.Errorf("total_segments must be positive: %d", *u.TotalSegments)
		}
		if job.TotalSegments != nil && *job.TotalSegments != *u.TotalSegments {
			return fmt.Errorf("%w: job %s has %d, got %d", ErrTotalSegmentsImmutable, job.JobID, *job.TotalSegments, *u.TotalSegments)
		}
		v := *u.TotalSegments
		job.TotalSegments = &v
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.SourceFileSizeBytes != nil {
		job.SourceFileSizeBytes = *u.SourceFileSizeBytes
	}
	if u.UploadedAt != nil {
		t := u.UploadedAt.UTC()
		job.UploadedAt = &t
	}
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	if u.Title != nil {
		job.Title = *u.Title
	}
	if u.ClearError {
		job.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		job.Error = &e
	}
	job.UpdatedAt = now.UTC()
	return nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
