package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
)

// Router はストレージの作成イベントをキーの種別で振り分け、各ステージのキューへ転送します。
type Router struct {
	chunking  queue.Sender
	inference queue.Sender
	notify    queue.Sender
	log       *logger.Logger
}

// NewRouter は Router を作成します。
func NewRouter(chunking, inference, notify queue.Sender, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{chunking: chunking, inference: inference, notify: notify, log: log.With("component", "router")}
}

// Route は1件のイベントを転送します。管理外のキーは無視します。
func (r *Router) Route(ctx context.Context, ev keys.ArtifactEvent) error {
	c, err := keys.Classify(ev.Key)
	if err != nil {
		r.log.Debug("ignoring foreign object", "bucket", ev.Bucket, "key", ev.Key)
		return nil
	}
	var target queue.Sender
	switch c.Kind {
	case keys.KindSource:
		target = r.chunking
	case keys.KindSegment:
		target = r.inference
	case keys.KindOutputSegment, keys.KindFinal, keys.KindReassemblyDone:
		target = r.notify
	}
	if target == nil {
		return nil
	}

	body, err := keys.EncodeArtifactEvent(ev.Bucket, ev.Key)
	if err != nil {
		return err
	}
	if err := target.Send(ctx, body); err != nil {
		return fmt.Errorf("forward %s event: %w", c.Kind, err)
	}
	r.log.Debug("event routed", "kind", c.Kind.String(), "job_id", c.JobID, "key", ev.Key)
	return nil
}

// RouteBody は本文に含まれるすべてのイベントを転送します。
func (r *Router) RouteBody(ctx context.Context, body []byte) (int, error) {
	events, err := keys.DecodeArtifactEvents(body)
	if err != nil {
		return 0, err
	}
	var errs []error
	routed := 0
	for _, ev := range events {
		if err := r.Route(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		routed++
	}
	return routed, errors.Join(errs...)
}

// Handle はイベントキューから受けた本文を転送します。転送に失敗したら再配送させます。
func (r *Router) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	if _, err := r.RouteBody(ctx, msg.Body); err != nil {
		if errors.Is(err, keys.ErrMalformed) {
			r.log.Warn("malformed storage event", "error", err)
			return queue.Drop
		}
		r.log.Warn("route failed", "error", err)
		return queue.Retry
	}
	return queue.Ack
}
