package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// InferenceStage はセグメントごとに推論バックエンドを呼び出します。
// 同期バックエンドではその場で結果を保存して完了記録を書き、
// 非同期バックエンドでは許可を取得して呼び出しを記録するだけで終わります。
type InferenceStage struct {
	jobs        jobs.JobStore
	completions jobs.CompletionStore
	invocations jobs.InvocationStore
	objects     storage.ObjectStore
	buckets     Buckets
	backend     inference.Backend
	permits     *inference.Backpressure
	trigger     *Trigger
	log         *logger.Logger
}

// NewInferenceStage は InferenceStage を作成します。
// permits は非同期バックエンドの場合に必須で、同じプロセスの Notifier と同じ値を渡します。
func NewInferenceStage(d Deps, backend inference.Backend, permits *inference.Backpressure, trigger *Trigger) *InferenceStage {
	return &InferenceStage{
		jobs:        d.Jobs,
		completions: d.Completions,
		invocations: d.Invocations,
		objects:     d.Objects,
		buckets:     d.Buckets,
		backend:     backend,
		permits:     permits,
		trigger:     trigger,
		log:         d.logger("inference").With("backend", backend.Kind()),
	}
}

func (s *InferenceStage) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	return eachEvent(msg.Body, s.log, func(ev keys.ArtifactEvent) queue.Disposition {
		return s.process(ctx, ev)
	})
}

func (s *InferenceStage) process(ctx context.Context, ev keys.ArtifactEvent) queue.Disposition {
	ref, err := keys.ParseSegment(ev.Key)
	if err != nil {
		s.log.Warn("not a segment key", "key", ev.Key, "error", err)
		return queue.Drop
	}
	log := s.log.With("job_id", ref.JobID, "segment_index", ref.Index)

	job, err := s.jobs.Get(ctx, ref.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return queue.Retry
	}
	if job == nil {
		log.Warn("segment for unknown job")
		return queue.Drop
	}
	if !job.Status.InProgress() {
		log.Info("job no longer processing", "status", job.Status)
		return queue.Ack
	}

	inputBucket := orDefault(ev.Bucket, s.buckets.Input)
	outputKey := keys.OutputSegment(ref.JobID, ref.Index)
	req := inference.Request{
		JobID:         ref.JobID,
		SegmentIndex:  ref.Index,
		TotalSegments: ref.TotalSegments,
		Mode:          ref.Mode,
		InputURI:      s.objects.URI(inputBucket, ev.Key),
		OutputURI:     s.objects.URI(s.buckets.Output, outputKey),
	}

	switch b := s.backend.(type) {
	case inference.Invoker:
		return s.invoke(ctx, b, ref, req, log)
	case inference.Transformer:
		return s.transform(ctx, b, ref, inputBucket, ev.Key, outputKey, req, log)
	default:
		log.Error("backend supports neither transform nor invoke")
		return queue.Retry
	}
}

func (s *InferenceStage) transform(ctx context.Context, b inference.Transformer, ref keys.SegmentRef, bucket, key, outputKey string, req inference.Request, log *logger.Logger) queue.Disposition {
	data, err := s.objects.Download(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("segment object is gone", "key", key)
			return queue.Ack
		}
		log.Warn("download segment failed", "error", err)
		return queue.Retry
	}

	started := time.Now()
	out, err := b.Transform(ctx, req, data)
	if err != nil {
		if inference.IsPermanent(err) {
			log.Error("inference rejected segment", "error", err)
			_, uerr := s.jobs.Update(ctx, ref.JobID, jobs.Fail(codeInferenceFailed, err.Error(), activeForInference...))
			return statusOutcome(uerr, log, "mark inference failure failed")
		}
		log.Warn("inference call failed", "error", err)
		return queue.Retry
	}

	if err := s.objects.Upload(ctx, s.buckets.Output, outputKey, out); err != nil {
		log.Warn("upload inference output failed", "error", err)
		return queue.Retry
	}
	total := ref.TotalSegments
	if err := s.completions.Put(ctx, jobs.SegmentCompletion{
		JobID:          ref.JobID,
		SegmentIndex:   ref.Index,
		OutputLocation: req.OutputURI,
		CompletedAt:    time.Now().UTC(),
		TotalSegments:  &total,
	}); err != nil {
		log.Warn("record completion failed", "error", err)
		return queue.Retry
	}
	log.Info("segment converted", "bytes", len(out), "elapsed", time.Since(started))

	if s.trigger != nil {
		if _, err := s.trigger.Maybe(ctx, ref.JobID); err != nil {
			log.Warn("trigger check failed", "error", err)
		}
	}
	return queue.Ack
}

func (s *InferenceStage) invoke(ctx context.Context, b inference.Invoker, ref keys.SegmentRef, req inference.Request, log *logger.Logger) queue.Disposition {
	if s.permits == nil {
		log.Error("async backend without backpressure")
		return queue.Retry
	}

	// 重複配送で許可を二重に取らないよう、処理済み・処理中を先に確認する
	existing, err := s.invocations.Get(ctx, req.OutputURI)
	if err != nil {
		log.Warn("get invocation failed", "error", err)
		return queue.Retry
	}
	if existing != nil {
		log.Info("invocation already in flight", "inference_id", existing.InferenceID)
		return queue.Ack
	}
	done, err := s.segmentCompleted(ctx, ref)
	if err != nil {
		log.Warn("query completions failed", "error", err)
		return queue.Retry
	}
	if done {
		log.Info("segment already completed")
		return queue.Ack
	}

	// 許可待ちだけはループの停止で打ち切り、再配送に回す
	actx, stop := queue.Admission(ctx)
	err = s.permits.Acquire(actx)
	stop()
	if err != nil {
		log.Info("permit wait interrupted", "error", err)
		return queue.Retry
	}
	log.Debug("permit acquired", "available", s.permits.Available())

	accepted, err := b.Invoke(ctx, req)
	if err != nil {
		s.permits.Release()
		log.Error("invocation not accepted", "error", err)
		_, uerr := s.jobs.Update(ctx, ref.JobID, jobs.Fail(codeInferenceFailed, err.Error(), activeForInference...))
		return statusOutcome(uerr, log, "mark invocation failure failed")
	}

	inv := jobs.Invocation{
		OutputLocation: accepted.OutputLocation,
		InferenceID:    accepted.InferenceID,
		JobID:          ref.JobID,
		SegmentIndex:   ref.Index,
		TotalSegments:  ref.TotalSegments,
		OutputURI:      req.OutputURI,
		CreatedAt:      time.Now().UTC(),
	}
	if err := recordInvocation(ctx, s.invocations, inv, log); err != nil {
		// 記録が無いと通知で許可を返せないので、ここで返して再配送に任せる。
		// 受理済みの呼び出しは動き続けるため、再配送の呼び出しと合わせて一時的に容量を超えうる。
		s.permits.Release()
		log.Error("invocation accepted but not recorded", "inference_id", accepted.InferenceID, "error", err)
		return queue.Retry
	}
	if alias, ok := aliasOf(inv); ok {
		// 重複配送はセグメントの出力先で記録を引くので、そちらでも引けるようにする
		if err := s.invocations.Put(ctx, alias); err != nil {
			log.Warn("record invocation alias failed", "error", err)
		}
	}
	log.Info("invocation accepted", "inference_id", accepted.InferenceID, "output_location", accepted.OutputLocation)
	s.reconcile(ctx, ref, inv, log)
	return queue.Ack
}

// reconcile は記録を書く前に通知が処理されていた場合に、残った記録を片付けて許可を返します。
func (s *InferenceStage) reconcile(ctx context.Context, ref keys.SegmentRef, inv jobs.Invocation, log *logger.Logger) {
	job, err := s.jobs.Get(ctx, ref.JobID, true)
	if err != nil {
		log.Warn("get job failed", "error", err)
		return
	}
	settled := job == nil || !job.Status.InProgress()
	if !settled {
		done, err := s.segmentCompleted(ctx, ref)
		if err != nil {
			log.Warn("query completions failed", "error", err)
			return
		}
		settled = done
	}
	if !settled {
		return
	}
	log.Info("notification already handled, settling invocation")
	if err := settleInvocation(ctx, s.invocations, s.permits, inv, log); err != nil {
		log.Warn("settle invocation failed", "error", err)
	}
}

func (s *InferenceStage) segmentCompleted(ctx context.Context, ref keys.SegmentRef) (bool, error) {
	completions, err := s.completions.QueryByJob(ctx, ref.JobID)
	if err != nil {
		return false, err
	}
	for _, c := range completions {
		if c.SegmentIndex == ref.Index {
			return true, nil
		}
	}
	return false, nil
}
