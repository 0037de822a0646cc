package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/stereo-forge/internal/keys"
)

// Status はジョブのライフサイクル上の状態を表します。
type Status string

const (
	StatusCreated            Status = "created"
	StatusIngesting          Status = "ingesting"
	StatusChunkingInProgress Status = "chunking_in_progress"
	StatusChunkingComplete   Status = "chunking_complete"
	StatusReassembling       Status = "reassembling"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusDeleted            Status = "deleted"
)

// InProgress は自動処理の対象となる状態かどうかを返します。
func (s Status) InProgress() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeleted:
		return false
	default:
		return true
	}
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job は変換リクエスト1件分の状態を表します。
type Job struct {
	JobID               string     `json:"jobId"`
	Mode                keys.Mode  `json:"mode"`
	Status              Status     `json:"status"`
	Title               string     `json:"title,omitempty"`
	SourceURL           string     `json:"sourceUrl,omitempty"`
	SourceFileSizeBytes int64      `json:"sourceFileSizeBytes,omitempty"`
	TotalSegments       *int       `json:"totalSegments,omitempty"`
	Error               *ErrorInfo `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	UploadedAt          *time.Time `json:"uploadedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// Total は total_segments を返します。未確定の場合は 0 です。
func (j *Job) Total() int {
	if j == nil || j.TotalSegments == nil {
		return 0
	}
	return *j.TotalSegments
}

// Clone はジョブのディープコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.TotalSegments != nil {
		v := *j.TotalSegments
		c.TotalSegments = &v
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.UploadedAt != nil {
		t := *j.UploadedAt
		c.UploadedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SegmentCompletion はセグメント1つ分の推論完了記録です。
type SegmentCompletion struct {
	JobID          string    `json:"jobId"`
	SegmentIndex   int       `json:"segmentIndex"`
	OutputLocation string    `json:"outputLocation"`
	CompletedAt    time.Time `json:"completedAt"`
	TotalSegments  *int      `json:"totalSegments,omitempty"`
}

// LockRecord はジョブごとの再結合トリガー記録です。
type LockRecord struct {
	JobID               string     `json:"jobId"`
	TriggeredAt         time.Time  `json:"triggeredAt"`
	ReassemblyStartedAt *time.Time `json:"reassemblyStartedAt,omitempty"`
	ExpiresAt           time.Time  `json:"expiresAt"`
}

// Invocation は受理された非同期推論呼び出しの記録です。
// OutputLocation がバックエンドの完了通知との突き合わせキーになります。
type Invocation struct {
	OutputLocation string    `json:"outputLocation"`
	InferenceID    string    `json:"inferenceId,omitempty"`
	JobID          string    `json:"jobId"`
	SegmentIndex   int       `json:"segmentIndex"`
	TotalSegments  int       `json:"totalSegments"`
	OutputURI      string    `json:"outputUri"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Change は完了ストアの変更ストリームに流れる1件分の変更です。
type Change struct {
	JobID        string `json:"job_id"`
	SegmentIndex int    `json:"segment_index"`
}

// EncodeChange は変更イベントを JSON にします。
func EncodeChange(c Change) ([]byte, error) {
	if c.JobID == "" {
		return nil, fmt.Errorf("%w: change without job_id", keys.ErrMalformed)
	}
	return json.Marshal(c)
}

// DecodeChange は変更イベントを読み取ります。
func DecodeChange(body []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(body, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", keys.ErrMalformed, err)
	}
	if c.JobID == "" {
		return Change{}, fmt.Errorf("%w: change without job_id", keys.ErrMalformed)
	}
	return c, nil
}

var (
	// ErrJobNotFound は更新対象のジョブが存在しないことを示します。
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists は同じ ID のジョブがすでに存在することを示します。
	ErrJobExists = errors.New("job already exists")
	// ErrStatusConflict は現在の状態が期待と異なることを示します。
	ErrStatusConflict = errors.New("job status conflict")
	// ErrInvalidTransition は状態遷移表にない遷移を示します。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTotalSegmentsImmutable は確定済みの total_segments を別の値で上書きしようとしたことを示します。
	ErrTotalSegmentsImmutable = errors.New("total_segments already set")
	// ErrUnknownLockField は条件付き更新に未対応のフィールドを指定したことを示します。
	ErrUnknownLockField = errors.New("unknown lock field")
)
