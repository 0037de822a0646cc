package pipeline

import (
	"context"
	"fmt"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
)

// ReadyForReassembly は再結合を開始してよいかを判定します。
// completed はジョブの完了済みセグメント数（重複を除いた件数）です。
func ReadyForReassembly(job *jobs.Job, completed int) bool {
	if job == nil || job.Status != jobs.StatusChunkingComplete {
		return false
	}
	total := job.Total()
	return total >= 1 && completed == total
}

// CompletedCount は total 未満の index を持つ完了記録を重複なしで数えます。
func CompletedCount(completions []jobs.SegmentCompletion, total int) int {
	seen := make(map[int]struct{}, len(completions))
	for _, c := range completions {
		if c.SegmentIndex < 0 || c.SegmentIndex >= total {
			continue
		}
		seen[c.SegmentIndex] = struct{}{}
	}
	return len(seen)
}

// Trigger は再結合メッセージをジョブごとに1度だけ投入します。
// 完了通知ステージと監視ステージの両方から呼ばれ、勝者は Lock の条件付き作成で決まります。
type Trigger struct {
	jobs        jobs.JobStore
	completions jobs.CompletionStore
	lock        jobs.Lock
	reassembly  queue.Sender
	log         *logger.Logger
}

// NewTrigger は Trigger を作成します。
func NewTrigger(d Deps, reassembly queue.Sender) *Trigger {
	return &Trigger{
		jobs:        d.Jobs,
		completions: d.Completions,
		lock:        d.Lock,
		reassembly:  reassembly,
		log:         d.logger("trigger"),
	}
}

// Maybe は条件を満たしていれば再結合を投入し、この呼び出しで投入したかどうかを返します。
func (t *Trigger) Maybe(ctx context.Context, jobID string) (bool, error) {
	job, err := t.jobs.Get(ctx, jobID, true)
	if err != nil {
		return false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job == nil || job.Status != jobs.StatusChunkingComplete || job.Total() < 1 {
		return false, nil
	}

	completions, err := t.completions.QueryByJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("query completions %s: %w", jobID, err)
	}
	count := CompletedCount(completions, job.Total())
	if !ReadyForReassembly(job, count) {
		t.log.Debug("reassembly not ready", "job_id", jobID, "completed", count, "total", job.Total())
		return false, nil
	}

	won, err := t.lock.TryCreate(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("create reassembly lock %s: %w", jobID, err)
	}
	if !won {
		t.log.Debug("reassembly already triggered", "job_id", jobID)
		return false, nil
	}

	body, err := keys.EncodeJobMessage(jobID)
	if err == nil {
		err = t.reassembly.Send(ctx, body)
	}
	if err != nil {
		// 投入できなかった場合は次の試行が勝てるようにロックを戻す
		if derr := t.lock.Delete(withoutCancel(ctx), jobID); derr != nil {
			t.log.Error("release reassembly lock failed", "job_id", jobID, "error", derr)
		}
		return false, fmt.Errorf("enqueue reassembly %s: %w", jobID, err)
	}
	t.log.Info("reassembly triggered", "job_id", jobID, "total_segments", job.Total())
	return true, nil
}
