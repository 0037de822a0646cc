package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/stereo-forge/internal/logger"
)

// RunOptions はポーリングループの設定です。
type RunOptions struct {
	Name         string
	MaxMessages  int
	Wait         time.Duration
	IdleSleep    time.Duration
	ErrorBackoff time.Duration
}

func (o RunOptions) withDefaults() RunOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 1
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	return o
}

// Run は ctx がキャンセルされるまで受信とハンドラ呼び出しを繰り返します。
// キャンセルは受信の合間にのみ確認し、処理中のメッセージは最後まで処理します。
// ハンドラが効果を適用する前の待機は Admission で打ち切れます。
func Run(ctx context.Context, r Receiver, h Handler, opts RunOptions, log *logger.Logger) error {
	opts = opts.withDefaults()
	log = log.With("component", "queue", "queue", opts.Name)
	hctx := handlerContext(ctx)
	return poll(ctx, r, opts, log, func(msgs []Message) {
		for _, msg := range msgs {
			d := safeHandle(hctx, h, msg, log)
			settle(ctx, r, msg, d, log)
		}
	})
}

// RunBatch は Run と同じループで、受信した1バッチを BatchHandler にまとめて渡します。
func RunBatch(ctx context.Context, r Receiver, h BatchHandler, opts RunOptions, log *logger.Logger) error {
	opts = opts.withDefaults()
	log = log.With("component", "queue", "queue", opts.Name)
	return poll(ctx, r, opts, log, func(msgs []Message) {
		d := safeBatch(handlerContext(ctx), h, msgs, log)
		for _, msg := range msgs {
			settle(ctx, r, msg, d, log)
		}
	})
}

type loopKey struct{}

// handlerContext はキャンセルされないハンドラ用コンテキストに、ループ自身の ctx を持たせます。
func handlerContext(loop context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(loop), loopKey{}, loop)
}

// Admission は、まだ何の効果も適用していない待機（同時実行枠の取得など）に使うコンテキストを返します。
// Run から渡された ctx では、ループが停止した時点でキャンセルされます。
// それ以外の ctx では ctx 自身のキャンセルに従います。
func Admission(ctx context.Context) (context.Context, context.CancelFunc) {
	actx, cancel := context.WithCancel(ctx)
	loop, ok := ctx.Value(loopKey{}).(context.Context)
	if !ok {
		return actx, cancel
	}
	stop := context.AfterFunc(loop, cancel)
	return actx, func() {
		stop()
		cancel()
	}
}

func poll(ctx context.Context, r Receiver, opts RunOptions, log *logger.Logger, process func([]Message)) error {
	log.Info("queue loop started", "max_messages", opts.MaxMessages, "wait", opts.Wait)
	for {
		if ctx.Err() != nil {
			log.Info("queue loop stopped")
			return nil
		}
		msgs, err := r.Receive(ctx, opts.MaxMessages, opts.Wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("receive failed", "error", err)
			sleep(ctx, opts.ErrorBackoff)
			continue
		}
		if len(msgs) == 0 {
			sleep(ctx, opts.IdleSleep)
			continue
		}
		process(msgs)
	}
}

func safeHandle(ctx context.Context, h Handler, msg Message, log *logger.Logger) (d Disposition) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("handler panic", "message_id", msg.ID, "panic", fmt.Sprint(rec))
			d = Retry
		}
	}()
	return h.Handle(ctx, msg)
}

func safeBatch(ctx context.Context, h BatchHandler, msgs []Message, log *logger.Logger) (d Disposition) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("batch handler panic", "batch_size", len(msgs), "panic", fmt.Sprint(rec))
			d = Retry
		}
	}()
	return h.HandleBatch(ctx, msgs)
}

func settle(ctx context.Context, r Receiver, msg Message, d Disposition, log *logger.Logger) {
	switch d {
	case Retry:
		log.Debug("message left for redelivery", "message_id", msg.ID)
		return
	case Drop:
		log.Warn("dropping message", "message_id", msg.ID, "body", truncate(msg.Body, 256))
	}
	if err := r.Delete(context.WithoutCancel(ctx), msg.Handle); err != nil {
		log.Warn("delete message failed", "message_id", msg.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
