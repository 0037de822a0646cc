package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Ingester は外部 URL の動画を取得して元動画として保存します。
// 保存後にジョブを created に戻し、アップロードイベントから分割ステージが始まります。
type Ingester struct {
	jobs     jobs.JobStore
	objects  storage.ObjectStore
	bucket   string
	client   *http.Client
	maxBytes int64
	workDir  string
	log      *logger.Logger
}

// NewIngester は Ingester を作成します。maxBytes が 0 以下なら上限を設けません。
func NewIngester(d Deps, timeout time.Duration, maxBytes int64, workDir string) *Ingester {
	return &Ingester{
		jobs:     d.Jobs,
		objects:  d.Objects,
		bucket:   d.Buckets.Input,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		workDir:  workDir,
		log:      d.logger("ingest"),
	}
}

// fetchError は取得元が恒久的に拒否したことを示します。
type fetchError struct {
	code    string
	message string
}

func (e *fetchError) Error() string { return e.code + ": " + e.message }

func (i *Ingester) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	m, err := keys.DecodeIngestMessage(msg.Body)
	if err != nil {
		i.log.Warn("malformed ingest message", "error", err)
		return queue.Drop
	}
	log := i.log.With("job_id", m.JobID)

	job, err := i.jobs.Get(ctx, m.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("ingest for unknown job")
		return queue.Drop
	}
	if job.Status != jobs.StatusCreated && job.Status != jobs.StatusIngesting {
		log.Info("job already past ingestion", "status", job.Status)
		return queue.Ack
	}
	if _, err := i.jobs.Update(ctx, m.JobID, jobs.SetStatus(jobs.StatusIngesting, jobs.StatusCreated, jobs.StatusIngesting)); err != nil {
		return statusOutcome(err, log, "mark ingesting failed")
	}

	dir, cleanup, err := workspace(i.workDir, "ingest-"+m.JobID+"-")
	if err != nil {
		log.Error("workspace unavailable", "error", err)
		return queue.Retry
	}
	defer cleanup()

	path := filepath.Join(dir, "source")
	size, err := i.fetch(ctx, m.SourceURL, path)
	if err != nil {
		var fe *fetchError
		if errors.As(err, &fe) {
			log.Error("source rejected", "code", fe.code, "error", fe.message)
			_, uerr := i.jobs.Update(ctx, m.JobID, jobs.Fail(fe.code, fe.message, jobs.StatusIngesting))
			return statusOutcome(uerr, log, "mark ingest failure failed")
		}
		log.Warn("fetch source failed", "error", err)
		return queue.Retry
	}

	if err := i.objects.UploadFile(ctx, i.bucket, keys.Source(m.JobID), path); err != nil {
		log.Warn("upload source failed", "error", err)
		return queue.Retry
	}

	created := jobs.StatusCreated
	if _, err := i.jobs.Update(ctx, m.JobID, jobs.Update{
		ExpectStatus:        []jobs.Status{jobs.StatusIngesting},
		Status:              &created,
		SourceFileSizeBytes: &size,
	}); err != nil {
		return statusOutcome(err, log, "mark ingested failed")
	}
	log.Info("source ingested", "bytes", size)
	return queue.Ack
}

// fetch は url の内容を path に保存し、バイト数を返します。
func (i *Ingester) fetch(ctx context.Context, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &fetchError{code: codeIngestFailed, message: err.Error()}
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get source: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, &fetchError{code: codeIngestFailed, message: fmt.Sprintf("source returned %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("source returned %d", resp.StatusCode)
	}
	if i.maxBytes > 0 && resp.ContentLength > i.maxBytes {
		return 0, &fetchError{code: codeSourceTooLarge, message: fmt.Sprintf("source is %d bytes", resp.ContentLength)}
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var body io.Reader = resp.Body
	if i.maxBytes > 0 {
		body = io.LimitReader(resp.Body, i.maxBytes+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}
	if i.maxBytes > 0 && n > i.maxBytes {
		return 0, &fetchError{code: codeSourceTooLarge, message: fmt.Sprintf("source exceeds %d bytes", i.maxBytes)}
	}
	return n, nil
}
