package pipeline

import (
	"context"
	"time"

	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Notifier は成果物作成イベントと非同期推論の完了/失敗通知を処理します。
// 業務上何もしない場合も Ack を返し、同じ効果を二度適用しません。
type Notifier struct {
	jobs        jobs.JobStore
	completions jobs.CompletionStore
	invocations jobs.InvocationStore
	objects     storage.ObjectStore
	buckets     Buckets
	permits     *inference.Backpressure
	outOfBand   bool
	trigger     *Trigger
	log         *logger.Logger
}

// NewNotifier は Notifier を作成します。outOfBand はバックエンドの完了が通知経由で届くかどうかです。
// permits は同じプロセスの InferenceStage と共有します（同期バックエンドでは nil で構いません）。
func NewNotifier(d Deps, outOfBand bool, permits *inference.Backpressure, trigger *Trigger) *Notifier {
	return &Notifier{
		jobs:        d.Jobs,
		completions: d.Completions,
		invocations: d.Invocations,
		objects:     d.Objects,
		buckets:     d.Buckets,
		permits:     permits,
		outOfBand:   outOfBand,
		trigger:     trigger,
		log:         d.logger("notify"),
	}
}

func (n *Notifier) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	if keys.IsInferenceNotification(msg.Body) {
		note, err := keys.DecodeInferenceNotification(msg.Body)
		if err != nil {
			n.log.Warn("malformed inference notification", "error", err)
			return queue.Drop
		}
		return n.notification(ctx, note)
	}
	return eachEvent(msg.Body, n.log, func(ev keys.ArtifactEvent) queue.Disposition {
		return n.artifact(ctx, ev)
	})
}

func (n *Notifier) artifact(ctx context.Context, ev keys.ArtifactEvent) queue.Disposition {
	c, err := keys.Classify(ev.Key)
	if err != nil {
		n.log.Warn("unrecognized artifact key", "key", ev.Key, "error", err)
		return queue.Drop
	}
	log := n.log.With("job_id", c.JobID, "kind", c.Kind.String())

	switch c.Kind {
	case keys.KindFinal, keys.KindReassemblyDone:
		return n.markCompleted(ctx, c.JobID, log)
	case keys.KindOutputSegment:
		if n.outOfBand {
			// 非同期モードでは完了はバックエンドの通知で記録する
			log.Debug("output segment event ignored for out-of-band backend")
			return queue.Ack
		}
		return n.outputSegment(ctx, c, orDefault(ev.Bucket, n.buckets.Output), ev.Key, log)
	default:
		log.Warn("artifact routed to notification stage by mistake", "key", ev.Key)
		return queue.Drop
	}
}

func (n *Notifier) markCompleted(ctx context.Context, jobID string, log *logger.Logger) queue.Disposition {
	job, err := n.jobs.Get(ctx, jobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("final artifact for unknown job")
		return queue.Drop
	}
	switch job.Status {
	case jobs.StatusCompleted, jobs.StatusDeleted, jobs.StatusFailed:
		log.Debug("job already settled", "status", job.Status)
		return queue.Ack
	}

	now := time.Now().UTC()
	completed := jobs.StatusCompleted
	_, err = n.jobs.Update(ctx, jobID, jobs.Update{
		ExpectStatus: []jobs.Status{jobs.StatusChunkingComplete, jobs.StatusReassembling},
		Status:       &completed,
		CompletedAt:  &now,
	})
	if err == nil {
		log.Info("job completed")
	}
	return statusOutcome(err, log, "mark completed failed")
}

func (n *Notifier) outputSegment(ctx context.Context, c keys.Classified, bucket, key string, log *logger.Logger) queue.Disposition {
	job, err := n.jobs.Get(ctx, c.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("output segment for unknown job")
		return queue.Drop
	}
	if !job.Status.InProgress() {
		log.Debug("job no longer processing", "status", job.Status)
		return queue.Ack
	}

	completion := jobs.SegmentCompletion{
		JobID:          c.JobID,
		SegmentIndex:   c.Index,
		OutputLocation: n.objects.URI(bucket, key),
		CompletedAt:    time.Now().UTC(),
		TotalSegments:  job.TotalSegments,
	}
	if err := n.completions.Put(ctx, completion); err != nil {
		log.Warn("record completion failed", "error", err)
		return queue.Retry
	}
	n.maybeTrigger(ctx, c.JobID, log)
	return queue.Ack
}

func (n *Notifier) notification(ctx context.Context, note keys.InferenceNotification) queue.Disposition {
	location := note.OutputLocation()
	log := n.log.With("output_location", location, "inference_id", note.InferenceID)

	inv, err := n.invocations.Get(ctx, location)
	if err != nil {
		log.Warn("get invocation failed", "error", err)
		return queue.Retry
	}
	if inv == nil {
		return n.unmatched(ctx, note, log)
	}
	log = log.With("job_id", inv.JobID, "segment_index", inv.SegmentIndex)

	if note.Succeeded() {
		total := inv.TotalSegments
		if err := n.completions.Put(ctx, jobs.SegmentCompletion{
			JobID:          inv.JobID,
			SegmentIndex:   inv.SegmentIndex,
			OutputLocation: orDefault(inv.OutputURI, location),
			CompletedAt:    time.Now().UTC(),
			TotalSegments:  &total,
		}); err != nil {
			log.Warn("record completion failed", "error", err)
			return queue.Retry
		}
		if err := settleInvocation(ctx, n.invocations, n.permits, *inv, log); err != nil {
			log.Warn("settle invocation failed", "error", err)
			return queue.Retry
		}
		log.Info("async inference completed")
		n.maybeTrigger(ctx, inv.JobID, log)
		return queue.Ack
	}

	log.Error("async inference failed", "reason", note.FailureReason)
	_, err = n.jobs.Update(ctx, inv.JobID, jobs.Fail(codeInferenceFailed, orDefault(note.FailureReason, "推論に失敗しました。"), activeForInference...))
	if d := statusOutcome(err, log, "mark inference failure failed"); d == queue.Retry {
		return d
	}
	if err := settleInvocation(ctx, n.invocations, n.permits, *inv, log); err != nil {
		log.Warn("settle invocation failed", "error", err)
		return queue.Retry
	}
	return queue.Ack
}

// unmatched は呼び出し記録が見つからない通知を扱います。再配送は待たずに必ず決着させます。
// 出力先がセグメントの出力で、ジョブが処理中なら通知の内容をそのまま適用します。
// 記録は推論ステージが書いた後に完了や失敗を見て片付けるので、許可はそちらで返却されます。
func (n *Notifier) unmatched(ctx context.Context, note keys.InferenceNotification, log *logger.Logger) queue.Disposition {
	bucket, key, err := storage.ParseURI(note.OutputLocation())
	if err != nil {
		log.Info("duplicate notification")
		return queue.Ack
	}
	c, err := keys.Classify(key)
	if err != nil || c.Kind != keys.KindOutputSegment {
		log.Info("duplicate notification")
		return queue.Ack
	}
	log = log.With("job_id", c.JobID, "segment_index", c.Index)

	job, err := n.jobs.Get(ctx, c.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil || !job.Status.InProgress() {
		log.Info("duplicate notification")
		return queue.Ack
	}

	if !note.Succeeded() {
		log.Error("async inference failed without invocation record", "reason", note.FailureReason)
		_, err := n.jobs.Update(ctx, c.JobID, jobs.Fail(codeInferenceFailed, orDefault(note.FailureReason, "推論に失敗しました。"), activeForInference...))
		if d := statusOutcome(err, log, "mark inference failure failed"); d == queue.Retry {
			return d
		}
		return n.settleLate(ctx, note.OutputLocation(), log)
	}

	completions, err := n.completions.QueryByJob(ctx, c.JobID)
	if err != nil {
		log.Warn("query completions failed", "error", err)
		return queue.Retry
	}
	for _, done := range completions {
		if done.SegmentIndex == c.Index {
			log.Info("duplicate notification")
			return queue.Ack
		}
	}

	exists, err := n.objects.Exists(ctx, bucket, key)
	if err != nil {
		log.Warn("check output segment failed", "error", err)
		return queue.Retry
	}
	if !exists {
		// 記録も出力も無い通知は適用しようがない
		log.Warn("notification without invocation record or output")
		return queue.Ack
	}
	if err := n.completions.Put(ctx, jobs.SegmentCompletion{
		JobID:          c.JobID,
		SegmentIndex:   c.Index,
		OutputLocation: note.OutputLocation(),
		CompletedAt:    time.Now().UTC(),
		TotalSegments:  job.TotalSegments,
	}); err != nil {
		log.Warn("record completion failed", "error", err)
		return queue.Retry
	}
	log.Info("async inference completed before invocation record")
	if d := n.settleLate(ctx, note.OutputLocation(), log); d != queue.Ack {
		return d
	}
	n.maybeTrigger(ctx, c.JobID, log)
	return queue.Ack
}

// settleLate は通知を適用している間に書かれた呼び出し記録があれば片付けます。
func (n *Notifier) settleLate(ctx context.Context, location string, log *logger.Logger) queue.Disposition {
	inv, err := n.invocations.Get(ctx, location)
	if err != nil {
		log.Warn("get invocation failed", "error", err)
		return queue.Retry
	}
	if inv == nil {
		return queue.Ack
	}
	if err := settleInvocation(ctx, n.invocations, n.permits, *inv, log); err != nil {
		log.Warn("settle invocation failed", "error", err)
		return queue.Retry
	}
	return queue.Ack
}

func (n *Notifier) maybeTrigger(ctx context.Context, jobID string, log *logger.Logger) {
	if n.trigger == nil {
		return
	}
	if _, err := n.trigger.Maybe(ctx, jobID); err != nil {
		// 監視ステージが同じ判定を再実行する
		log.Warn("trigger check failed", "error", err)
	}
}
