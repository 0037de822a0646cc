package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/media"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Reassembler は完了したセグメントを結合して最終成果物を作ります。
// 実行者はロックレコードの reassembly_started_at の条件付き設定で1つに絞られます。
type Reassembler struct {
	jobs        jobs.JobStore
	completions jobs.CompletionStore
	lock        jobs.Lock
	objects     storage.ObjectStore
	buckets     Buckets
	concat      media.Concatenator
	workDir     string
	claimLease  time.Duration
	log         *logger.Logger
}

// NewReassembler は Reassembler を作成します。
// claimLease より古い実行権は放棄されたものとみなして引き継ぎます。0 以下なら引き継ぎません。
func NewReassembler(d Deps, concat media.Concatenator, workDir string, claimLease time.Duration) *Reassembler {
	return &Reassembler{
		jobs:        d.Jobs,
		completions: d.Completions,
		lock:        d.Lock,
		objects:     d.Objects,
		buckets:     d.Buckets,
		concat:      concat,
		workDir:     workDir,
		claimLease:  claimLease,
		log:         d.logger("reassembly"),
	}
}

func (r *Reassembler) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	m, err := keys.DecodeJobMessage(msg.Body)
	if err != nil {
		r.log.Warn("malformed reassembly message", "error", err)
		return queue.Drop
	}
	log := r.log.With("job_id", m.JobID)

	won, err := r.lock.TrySetIfAbsent(ctx, m.JobID, jobs.FieldReassemblyStartedAt, r.claimLease)
	if err != nil {
		log.Warn("claim reassembly failed", "error", err)
		return queue.Retry
	}
	if !won {
		log.Info("reassembly already claimed")
		return queue.Ack
	}

	wctx, claim := r.holdClaim(ctx, m.JobID, log)
	d := r.reassemble(wctx, m.JobID, log)
	if claim.release() {
		// 引き継いだ実行者が処理するので、こちらは何も残さない
		log.Warn("reassembly claim lost to another worker")
		return queue.Ack
	}
	if d == queue.Retry {
		// 再配送されたメッセージが実行権を取り直せるようにする
		if err := r.lock.ClearField(withoutCancel(ctx), m.JobID, jobs.FieldReassemblyStartedAt); err != nil {
			log.Warn("release reassembly claim failed", "error", err)
		}
	}
	return d
}

// heldClaim は実行中の再結合の実行権です。
type heldClaim struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// release は更新を止め、実行中に実行権を失っていたかどうかを返します。
func (c *heldClaim) release() bool {
	c.cancel()
	<-c.done
	return c.lost.Load()
}

// holdClaim は claimLease の 1/3 ごとに reassembly_started_at を更新し続けます。
// 更新できなかった（引き継がれた）場合は返したコンテキストをキャンセルして作業を打ち切ります。
func (r *Reassembler) holdClaim(ctx context.Context, jobID string, log *logger.Logger) (context.Context, *heldClaim) {
	wctx, cancel := context.WithCancel(ctx)
	c := &heldClaim{cancel: cancel, done: make(chan struct{})}
	if r.claimLease <= 0 {
		close(c.done)
		return wctx, c
	}
	rec, err := r.lock.Get(ctx, jobID)
	if err != nil || rec == nil || rec.ReassemblyStartedAt == nil {
		log.Warn("read reassembly claim failed", "error", err)
		close(c.done)
		return wctx, c
	}
	held := *rec.ReassemblyStartedAt

	go func() {
		defer close(c.done)
		t := time.NewTicker(r.claimLease / 3)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
			}
			next, ok, err := r.lock.Renew(wctx, jobID, jobs.FieldReassemblyStartedAt, held)
			switch {
			case err != nil:
				if wctx.Err() != nil {
					return
				}
				log.Warn("renew reassembly claim failed", "error", err)
			case !ok:
				c.lost.Store(true)
				cancel()
				return
			default:
				held = next
			}
		}
	}()
	return wctx, c
}

func (r *Reassembler) reassemble(ctx context.Context, jobID string, log *logger.Logger) queue.Disposition {
	job, err := r.jobs.Get(ctx, jobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("reassembly for unknown job")
		return queue.Drop
	}

	switch job.Status {
	case jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusDeleted:
		log.Info("job already settled", "status", job.Status)
		return queue.Ack
	case jobs.StatusChunkingComplete:
		updated, err := r.jobs.Update(ctx, jobID, jobs.SetStatus(jobs.StatusReassembling, jobs.StatusChunkingComplete))
		if err != nil {
			if d := statusOutcome(err, log, "mark reassembling failed"); d != queue.Ack {
				return d
			}
			if updated, err = r.jobs.Get(ctx, jobID, true); err != nil || updated == nil {
				return queue.Retry
			}
		}
		if updated.Status != jobs.StatusReassembling {
			log.Info("job moved on before reassembly", "status", updated.Status)
			return queue.Ack
		}
	case jobs.StatusReassembling:
	default:
		log.Info("job not ready for reassembly", "status", job.Status)
		return queue.Retry
	}

	exists, err := r.objects.Exists(ctx, r.buckets.Output, keys.Final(jobID))
	if err != nil {
		log.Warn("check final artifact failed", "error", err)
		return queue.Retry
	}
	if exists {
		log.Info("final artifact already present")
		return r.markCompleted(ctx, jobID, log)
	}

	completions, err := r.completions.QueryByJob(ctx, jobID)
	if err != nil {
		log.Warn("query completions failed", "error", err)
		return queue.Retry
	}
	total := job.Total()
	if total < 1 || CompletedCount(completions, total) != total {
		log.Warn("completions not yet visible", "completed", len(completions), "total_segments", total)
		return queue.Retry
	}

	dir, cleanup, err := workspace(r.workDir, "reassemble-"+jobID+"-")
	if err != nil {
		log.Error("workspace unavailable", "error", err)
		return queue.Retry
	}
	defer cleanup()

	inputs, err := r.downloadSegments(ctx, jobID, completions, total, dir)
	if err != nil {
		log.Warn("download segments failed", "error", err)
		return queue.Retry
	}

	finalPath := filepath.Join(dir, "final.mp4")
	if err := r.concat.Concat(ctx, inputs, finalPath); err != nil {
		var toolErr *media.Error
		if errors.As(err, &toolErr) {
			log.Error("concat failed", "code", toolErr.Code, "error", err)
			_, uerr := r.jobs.Update(ctx, jobID, jobs.Fail(toolErr.Code, toolErr.Message, jobs.StatusReassembling))
			return statusOutcome(uerr, log, "mark concat failure failed")
		}
		log.Warn("concat did not run", "error", err)
		return queue.Retry
	}

	if err := r.objects.UploadFile(ctx, r.buckets.Output, keys.Final(jobID), finalPath); err != nil {
		log.Warn("upload final artifact failed", "error", err)
		return queue.Retry
	}
	if err := r.objects.Upload(ctx, r.buckets.Output, keys.ReassemblyDone(jobID), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		log.Warn("upload reassembly sentinel failed", "error", err)
	}
	log.Info("final artifact written", "segments", total)
	return r.markCompleted(ctx, jobID, log)
}

// downloadSegments は index 順に出力セグメントを作業ディレクトリへ取得します。
func (r *Reassembler) downloadSegments(ctx context.Context, jobID string, completions []jobs.SegmentCompletion, total int, dir string) ([]string, error) {
	byIndex := make(map[int]jobs.SegmentCompletion, total)
	for _, c := range completions {
		byIndex[c.SegmentIndex] = c
	}
	paths := make([]string, 0, total)
	for i := 0; i < total; i++ {
		bucket, key, err := storage.ParseURI(byIndex[i].OutputLocation)
		if err != nil {
			bucket, key = r.buckets.Output, keys.OutputSegment(jobID, i)
		}
		path := filepath.Join(dir, fmt.Sprintf("seg_%05d.mp4", i))
		if err := r.objects.DownloadFile(ctx, bucket, key, path); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (r *Reassembler) markCompleted(ctx context.Context, jobID string, log *logger.Logger) queue.Disposition {
	now := time.Now().UTC()
	completed := jobs.StatusCompleted
	_, err := r.jobs.Update(ctx, jobID, jobs.Update{
		ExpectStatus: []jobs.Status{jobs.StatusChunkingComplete, jobs.StatusReassembling},
		Status:       &completed,
		CompletedAt:  &now,
	})
	if err == nil {
		log.Info("job completed")
	}
	return statusOutcome(err, log, "mark completed failed")
}
