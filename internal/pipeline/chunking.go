package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/media"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Chunker は元動画のアップロードを受けてセグメントに分割します。
type Chunker struct {
	jobs     jobs.JobStore
	objects  storage.ObjectStore
	splitter media.Splitter
	trigger  *Trigger
	bucket   string
	workDir  string
	log      *logger.Logger
}

// NewChunker は Chunker を作成します。trigger が nil の場合は分割完了後のトリガー確認を省きます。
func NewChunker(d Deps, splitter media.Splitter, trigger *Trigger, workDir string) *Chunker {
	return &Chunker{
		jobs:     d.Jobs,
		objects:  d.Objects,
		splitter: splitter,
		trigger:  trigger,
		bucket:   d.Buckets.Input,
		workDir:  workDir,
		log:      d.logger("chunking"),
	}
}

func (c *Chunker) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	return eachEvent(msg.Body, c.log, func(ev keys.ArtifactEvent) queue.Disposition {
		return c.chunk(ctx, ev)
	})
}

func (c *Chunker) chunk(ctx context.Context, ev keys.ArtifactEvent) queue.Disposition {
	jobID, err := keys.ParseSource(ev.Key)
	if err != nil {
		c.log.Warn("not a source key", "key", ev.Key, "error", err)
		return queue.Drop
	}
	log := c.log.With("job_id", jobID)
	bucket := orDefault(ev.Bucket, c.bucket)

	job, err := c.jobs.Get(ctx, jobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("source uploaded for unknown job")
		return queue.Drop
	}
	switch job.Status {
	case jobs.StatusCreated, jobs.StatusChunkingInProgress:
	case jobs.StatusIngesting:
		// 取り込みステージが created に戻すまで待つ
		log.Debug("source arrived while ingesting")
		return queue.Retry
	default:
		log.Info("job already chunked", "status", job.Status)
		return queue.Ack
	}

	now := time.Now().UTC()
	inProgress := jobs.StatusChunkingInProgress
	if _, err := c.jobs.Update(ctx, jobID, jobs.Update{
		ExpectStatus: []jobs.Status{jobs.StatusCreated, jobs.StatusChunkingInProgress},
		Status:       &inProgress,
		UploadedAt:   &now,
	}); err != nil {
		return statusOutcome(err, log, "mark chunking in progress failed")
	}
	if !job.Mode.Valid() {
		_, err := c.jobs.Update(ctx, jobID, jobs.Fail(codeInvalidMode, "変換モードが不正です。", jobs.StatusChunkingInProgress))
		return statusOutcome(err, log, "mark invalid mode failed")
	}

	dir, cleanup, err := workspace(c.workDir, "chunk-"+jobID+"-")
	if err != nil {
		log.Error("workspace unavailable", "error", err)
		return queue.Retry
	}
	defer cleanup()

	sourcePath := filepath.Join(dir, "source")
	if err := c.objects.DownloadFile(ctx, bucket, ev.Key, sourcePath); err != nil {
		log.Warn("download source failed", "bucket", bucket, "error", err)
		if _, rerr := c.jobs.Update(withoutCancel(ctx), jobID, jobs.SetStatus(jobs.StatusCreated, jobs.StatusChunkingInProgress)); rerr != nil {
			log.Warn("revert to created failed", "error", rerr)
		}
		return queue.Retry
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		log.Error("stat source failed", "error", err)
		return queue.Retry
	}

	paths, err := c.splitter.Split(ctx, sourcePath, filepath.Join(dir, "segments"))
	if err != nil {
		var toolErr *media.Error
		if errors.As(err, &toolErr) {
			log.Error("split failed", "code", toolErr.Code, "error", err)
			_, uerr := c.jobs.Update(ctx, jobID, jobs.Fail(toolErr.Code, toolErr.Message, jobs.StatusChunkingInProgress))
			return statusOutcome(uerr, log, "mark split failure failed")
		}
		log.Warn("split did not run", "error", err)
		return queue.Retry
	}

	total := len(paths)
	for i, path := range paths {
		key := keys.Segment(jobID, i, total, job.Mode)
		if err := c.objects.UploadFile(ctx, bucket, key, path); err != nil {
			log.Warn("upload segment failed", "key", key, "error", err)
			return queue.Retry
		}
	}

	complete := jobs.StatusChunkingComplete
	size := info.Size()
	if _, err := c.jobs.Update(ctx, jobID, jobs.Update{
		ExpectStatus:        []jobs.Status{jobs.StatusChunkingInProgress},
		Status:              &complete,
		TotalSegments:       &total,
		SourceFileSizeBytes: &size,
	}); err != nil {
		if errors.Is(err, jobs.ErrTotalSegmentsImmutable) {
			log.Error("segment count changed between runs", "total_segments", total, "error", err)
			return queue.Ack
		}
		return statusOutcome(err, log, "mark chunking complete failed")
	}
	log.Info("chunking complete", "total_segments", total, "source_bytes", size)

	// 推論の完了が状態更新より先に届いていた場合に備える
	if c.trigger != nil {
		if _, err := c.trigger.Maybe(ctx, jobID); err != nil {
			log.Warn("trigger check after chunking failed", "error", err)
		}
	}
	return queue.Ack
}
