package pipeline

import (
	"context"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Deleter は deleted になったジョブの成果物と記録を片付けます。
// 個々の削除は失敗してもログに残して続行し、メッセージは常に確定させます。
type Deleter struct {
	jobs        jobs.JobStore
	completions jobs.CompletionStore
	lock        jobs.Lock
	objects     storage.ObjectStore
	buckets     Buckets
	log         *logger.Logger
}

// NewDeleter は Deleter を作成します。
func NewDeleter(d Deps) *Deleter {
	return &Deleter{
		jobs:        d.Jobs,
		completions: d.Completions,
		lock:        d.Lock,
		objects:     d.Objects,
		buckets:     d.Buckets,
		log:         d.logger("deletion"),
	}
}

func (d *Deleter) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	m, err := keys.DecodeJobMessage(msg.Body)
	if err != nil {
		d.log.Warn("malformed deletion message", "error", err)
		return queue.Drop
	}
	log := d.log.With("job_id", m.JobID)

	job, err := d.jobs.Get(ctx, m.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("deletion for unknown job")
		return queue.Ack
	}
	if job.Status != jobs.StatusDeleted {
		log.Info("deletion event is stale", "status", job.Status)
		return queue.Ack
	}

	d.teardown(ctx, m.JobID, log)
	return queue.Ack
}

func (d *Deleter) teardown(ctx context.Context, jobID string, log *logger.Logger) {
	failures := 0
	if err := d.objects.Delete(ctx, d.buckets.Input, keys.Source(jobID)); err != nil {
		failures++
		log.Warn("delete source failed", "error", err)
	}

	segments, err := storage.DeletePrefix(ctx, d.objects, d.buckets.Input, keys.SegmentPrefix(jobID))
	if err != nil {
		failures++
		log.Warn("delete input segments failed", "error", err)
	}
	outputs, err := storage.DeletePrefix(ctx, d.objects, d.buckets.Output, keys.OutputPrefix(jobID))
	if err != nil {
		failures++
		log.Warn("delete outputs failed", "error", err)
	}

	if err := d.completions.DeleteByJob(ctx, jobID); err != nil {
		failures++
		log.Warn("delete completions failed", "error", err)
	}
	if err := d.lock.Delete(ctx, jobID); err != nil {
		failures++
		log.Warn("delete reassembly lock failed", "error", err)
	}
	log.Info("job torn down", "input_segments", segments, "outputs", outputs, "failures", failures)
}
