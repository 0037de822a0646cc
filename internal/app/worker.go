package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/pipeline"
	"github.com/yourusername/stereo-forge/internal/queue"
)

// ワーカーで起動できるステージ
const (
	StageIngest     = "ingest"
	StageChunking   = "chunking"
	StageInference  = "inference"
	StageNotify     = "notify"
	StageReassembly = "reassembly"
	StageDeletion   = "deletion"
	StageWatcher    = "watcher"
	StageBridge     = "bridge"
	StageAPI        = "api"
)

// bridgeRetryInterval は通知購読が切れた後に再接続するまでの間隔です。
const bridgeRetryInterval = 5 * time.Second

// eventSource はバケットの作成通知を購読できるストレージです。
type eventSource interface {
	Listen(ctx context.Context, bucket string, fn func(context.Context, keys.ArtifactEvent) error, onError func(error)) error
}

type runner func(ctx context.Context) error

// RunWorker は設定されたステージを起動し、ctx がキャンセルされるかいずれかが失敗するまで待ちます。
// 処理中のメッセージはキャンセル後も最後まで処理されます。
func (a *App) RunWorker(ctx context.Context) error {
	cfg := a.Config
	deps := a.PipelineDeps()
	reassembly, err := a.Sender(QueueReassembly)
	if err != nil {
		return err
	}
	trigger := pipeline.NewTrigger(deps, reassembly)

	var server *queue.AsynqServer
	if cfg.QueueBackend == config.BackendAsynq {
		server, err = queue.NewAsynqServer(cfg.RedisURL, cfg.AsynqConcurrency, a.Log)
		if err != nil {
			return err
		}
	}

	var runners []runner
	consume := func(name string, h queue.Handler) error {
		if server != nil {
			server.Handle(cfg.QueueName(name), h)
			return nil
		}
		r, err := a.Receiver(name)
		if err != nil {
			return err
		}
		opts := a.runOptions(name, cfg.PollMaxMessages)
		runners = append(runners, func(ctx context.Context) error {
			return queue.Run(ctx, r, h, opts, a.Log)
		})
		return nil
	}

	for _, stage := range cfg.WorkerStages {
		var err error
		switch stage {
		case StageIngest:
			err = consume(QueueIngest, pipeline.NewIngester(deps, cfg.IngestTimeout, cfg.MaxSourceBytes, cfg.WorkDir))
		case StageChunking:
			err = consume(QueueChunking, pipeline.NewChunker(deps, a.Splitter, trigger, cfg.WorkDir))
		case StageInference:
			err = consume(QueueInference, pipeline.NewInferenceStage(deps, a.Backend, a.Permits, trigger))
		case StageNotify:
			err = consume(QueueNotify, pipeline.NewNotifier(deps, a.Backend.OutOfBand(), a.Permits, trigger))
		case StageReassembly:
			err = consume(QueueReassembly, pipeline.NewReassembler(deps, a.Concat, cfg.WorkDir, cfg.ReassemblyClaimLease))
		case StageDeletion:
			err = consume(QueueDeletion, pipeline.NewDeleter(deps))
		case StageWatcher:
			runners = append(runners, a.watcherRunners(deps, trigger)...)
		case StageBridge:
			var r runner
			r, err = a.bridgeRunner()
			runners = append(runners, r)
		case StageAPI:
			var r runner
			r, err = a.apiRunner()
			runners = append(runners, r)
		default:
			err = fmt.Errorf("unknown worker stage: %q", stage)
		}
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	if server != nil {
		runners = append(runners, server.Run)
	}
	if len(runners) == 0 {
		return fmt.Errorf("no worker stages configured")
	}

	a.Log.Info("worker started", "stages", cfg.WorkerStages, "queue", cfg.QueueBackend)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error { return r(gctx) })
	}
	err = g.Wait()
	a.Log.Info("worker stopped", "error", err)
	return err
}

func (a *App) runOptions(name string, max int) queue.RunOptions {
	return queue.RunOptions{
		Name:        name,
		MaxMessages: max,
		Wait:        a.Config.PollWait,
		IdleSleep:   a.Config.IdleSleep,
	}
}

// watcherRunners は変更ストリームの購読と定期スイープを返します。
func (a *App) watcherRunners(deps pipeline.Deps, trigger *pipeline.Trigger) []runner {
	w := pipeline.NewWatcher(deps, trigger)
	opts := a.runOptions("watcher", a.Config.WatcherBatchSize)
	out := []runner{func(ctx context.Context) error {
		return queue.RunBatch(ctx, a.Changes, w, opts, a.Log)
	}}
	if interval := a.Config.WatcherSweepInterval; interval > 0 {
		out = append(out, func(ctx context.Context) error { return w.RunSweeps(ctx, interval) })
	}
	return out
}

// bridgeRunner はストレージの作成通知を購読して Router に渡します。
// 購読が途切れたら間隔を置いて張り直します。
func (a *App) bridgeRunner() (runner, error) {
	src, ok := a.Objects.(eventSource)
	if !ok {
		return nil, fmt.Errorf("object store %s does not deliver bucket notifications", a.Config.ObjectStoreBackend)
	}
	router, err := a.Router()
	if err != nil {
		return nil, err
	}
	log := a.Log.With("component", "bridge")
	onError := func(err error) { log.Error("route storage event failed", "error", err) }

	listen := func(ctx context.Context, bucket string) error {
		for ctx.Err() == nil {
			if err := src.Listen(ctx, bucket, router.Route, onError); err != nil {
				log.Warn("bucket notification stream ended", "bucket", bucket, "error", err)
			}
			t := time.NewTimer(bridgeRetryInterval)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
		return nil
	}

	buckets := []string{a.Config.InputBucket}
	if a.Config.OutputBucket != a.Config.InputBucket {
		buckets = append(buckets, a.Config.OutputBucket)
	}
	return func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, b := range buckets {
			b := b
			g.Go(func() error { return listen(gctx, b) })
		}
		return g.Wait()
	}, nil
}
