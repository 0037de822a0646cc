package pipeline

import (
	"context"
	"time"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
)

// Watcher は完了ストアの変更ストリームを読み、触れられたジョブごとにトリガー判定を再実行します。
// 最後のセグメントを記録したワーカーがトリガー前に落ちても、永続化された書き込みから再結合が始まります。
type Watcher struct {
	jobs    jobs.JobStore
	trigger *Trigger
	log     *logger.Logger
}

// NewWatcher は Watcher を作成します。
func NewWatcher(d Deps, trigger *Trigger) *Watcher {
	return &Watcher{jobs: d.Jobs, trigger: trigger, log: d.logger("watcher")}
}

// HandleBatch は1バッチ内の重複ジョブをまとめて判定します。
// 判定に失敗したジョブがあればバッチ全体を再配送させます。
func (w *Watcher) HandleBatch(ctx context.Context, msgs []queue.Message) queue.Disposition {
	seen := make(map[string]struct{}, len(msgs))
	order := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		change, err := jobs.DecodeChange(msg.Body)
		if err != nil {
			w.log.Warn("malformed change record", "message_id", msg.ID, "error", err)
			continue
		}
		if _, ok := seen[change.JobID]; ok {
			continue
		}
		seen[change.JobID] = struct{}{}
		order = append(order, change.JobID)
	}
	if len(order) == 0 {
		return queue.Drop
	}

	failed := false
	for _, jobID := range order {
		if _, err := w.trigger.Maybe(ctx, jobID); err != nil {
			failed = true
			w.log.Warn("trigger check failed", "job_id", jobID, "error", err)
		}
	}
	if failed {
		return queue.Retry
	}
	return queue.Ack
}

// Sweep は chunking_complete のまま残っているジョブにトリガー判定を行い、投入した件数を返します。
// 変更通知が永続化されないストアでの取りこぼしを補います。
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	inProgress, err := w.jobs.ListInProgress(ctx)
	if err != nil {
		return 0, err
	}
	triggered := 0
	for _, job := range inProgress {
		if job.Status != jobs.StatusChunkingComplete {
			continue
		}
		ok, err := w.trigger.Maybe(ctx, job.JobID)
		if err != nil {
			w.log.Warn("sweep trigger check failed", "job_id", job.JobID, "error", err)
			continue
		}
		if ok {
			triggered++
		}
	}
	return triggered, nil
}

// RunSweeps は ctx がキャンセルされるまで interval ごとに Sweep を実行します。
func (w *Watcher) RunSweeps(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				w.log.Warn("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("sweep triggered reassembly", "jobs", n)
			}
		}
	}
}
