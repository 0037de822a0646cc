// Package app は設定に従ってストア、キュー、ストレージ、推論バックエンドを組み立てます。
// cmd/api と cmd/worker はここで作った依存を使います。
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/jobs/pgstore"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/media"
	"github.com/yourusername/stereo-forge/internal/pipeline"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// 論理キュー名
const (
	QueueIngest     = "ingest"
	QueueChunking   = "chunking"
	QueueInference  = "inference"
	QueueNotify     = "notify"
	QueueReassembly = "reassembly"
	QueueDeletion   = "deletion"
)

// ErrPushQueue は asynq のようにプッシュ型のキューからは受信できないことを示します。
var ErrPushQueue = errors.New("queue backend does not support polling")

// App はプロセス内で共有する依存をまとめます。
// Splitter / Concat / Backend はテストで差し替えられます。
type App struct {
	Config *config.Config
	Log    *logger.Logger

	Jobs        jobs.JobStore
	Completions jobs.CompletionStore
	Lock        jobs.Lock
	Invocations jobs.InvocationStore
	Objects     storage.ObjectStore
	// Changes は完了記録の変更ストリームです。
	Changes queue.Receiver

	Splitter media.Splitter
	Concat   media.Concatenator
	Backend  inference.Backend
	// Permits は推論ステージと通知ステージで共有する同時実行枠です。プロセスに1つだけ作ります。
	Permits *inference.Backpressure

	consumer string
	rdb      *redis.Client
	db       *gorm.DB
	asynq    *asynq.Client

	mu     sync.Mutex
	queues map[string]queue.Sender
	closer []func() error
}

// New は設定から App を組み立てます。失敗した場合はそれまでに開いた接続を閉じます。
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{
		Config:   cfg,
		Log:      log,
		consumer: consumerName(),
		queues:   make(map[string]queue.Sender),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	if cfg.StoreBackend == config.BackendRedis || cfg.QueueBackend == config.BackendRedis {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		a.closer = append(a.closer, a.rdb.Close)
	}

	if err := a.buildStores(); err != nil {
		return err
	}
	if err := a.buildObjects(ctx); err != nil {
		return err
	}
	if cfg.QueueBackend == config.BackendAsynq {
		client, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		a.asynq = client
		a.closer = append(a.closer, client.Close)
	}

	permits, err := inference.NewBackpressure(cfg.MaxConcurrentInvocations)
	if err != nil {
		return err
	}
	a.Permits = permits

	switch cfg.InferenceBackend {
	case config.InferenceHTTP:
		a.Backend = inference.NewHTTP(cfg.InferenceEndpoint, cfg.InferenceTimeout)
	case config.InferenceAsync:
		a.Backend = inference.NewAsync(cfg.InferenceEndpoint, cfg.InferenceTimeout)
	default:
		a.Backend = inference.Local{}
	}

	ff := media.NewFFmpeg(cfg.FFmpegPath, cfg.SegmentSeconds)
	a.Splitter = ff
	a.Concat = ff

	a.Log.Info("app initialized",
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"objects", cfg.ObjectStoreBackend,
		"inference", cfg.InferenceBackend,
		"max_concurrent_invocations", cfg.MaxConcurrentInvocations,
	)
	return nil
}

func (a *App) buildStores() error {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendRedis:
		a.Jobs = jobs.NewStore(a.rdb)
		a.Completions = jobs.NewRedisCompletionStore(a.rdb, jobs.DefaultChangeStream)
		a.Lock = jobs.NewRedisLock(a.rdb, cfg.LockTTL)
		a.Invocations = jobs.NewRedisInvocationStore(a.rdb, cfg.LockTTL)
		a.Changes = queue.NewRedisStreams(a.rdb, jobs.DefaultChangeStream, cfg.QueueName("watcher"), a.consumer, cfg.VisibilityTimeout)
	case config.BackendPostgres:
		db, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.db = db
		a.closer = append(a.closer, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		if err := pgstore.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Jobs = pgstore.NewJobStore(db)
		a.Completions = pgstore.NewCompletionStore(db, pgstore.DefaultChannel)
		a.Lock = pgstore.NewLock(db, cfg.LockTTL)
		a.Invocations = pgstore.NewInvocationStore(db)
		feed := pgstore.NewFeed(cfg.PostgresDSN, pgstore.DefaultChannel)
		a.Changes = feed
		a.closer = append(a.closer, func() error { feed.Close(); return nil })
	case config.BackendMemory:
		changes := queue.NewMemory(cfg.VisibilityTimeout)
		a.Jobs = jobs.NewMemoryStore()
		a.Completions = jobs.NewMemoryCompletionStore(changes)
		a.Lock = jobs.NewMemoryLock(cfg.LockTTL)
		a.Invocations = jobs.NewMemoryInvocationStore()
		a.Changes = changes
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", cfg.StoreBackend)
	}
	return nil
}

func (a *App) buildObjects(ctx context.Context) error {
	cfg := a.Config
	switch cfg.ObjectStoreBackend {
	case config.BackendMinio:
		m, err := storage.NewMinio(storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		})
		if err != nil {
			return err
		}
		for _, b := range []string{cfg.InputBucket, cfg.OutputBucket} {
			if err := m.EnsureBucket(ctx, b); err != nil {
				return err
			}
		}
		a.Objects = m
	case config.BackendGCS:
		g, err := storage.NewGCS(ctx, cfg.GCSCredentialsFile)
		if err != nil {
			return err
		}
		a.Objects = g
		a.closer = append(a.closer, g.Close)
	case config.BackendMemory:
		a.Objects = storage.NewMemory()
	default:
		return fmt.Errorf("unsupported OBJECT_STORE_BACKEND: %s", cfg.ObjectStoreBackend)
	}
	return nil
}

// PipelineDeps はステージに渡す依存を返します。
func (a *App) PipelineDeps() pipeline.Deps {
	return pipeline.Deps{
		Jobs:        a.Jobs,
		Completions: a.Completions,
		Lock:        a.Lock,
		Invocations: a.Invocations,
		Objects:     a.Objects,
		Buckets:     pipeline.Buckets{Input: a.Config.InputBucket, Output: a.Config.OutputBucket},
		Log:         a.Log,
	}
}

// Sender は論理キュー name への送信口を返します。同じ name には同じ値を返します。
func (a *App) Sender(name string) (queue.Sender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.queues[name]; ok {
		return q, nil
	}

	cfg := a.Config
	var q queue.Sender
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q = queue.NewRedisStreams(a.rdb, cfg.QueueName(name), cfg.QueueName(name)+":workers", a.consumer, cfg.VisibilityTimeout)
	case config.BackendAsynq:
		q = queue.NewAsynqSender(a.asynq, cfg.QueueName(name), cfg.AsynqMaxRetry)
	case config.BackendMemory:
		q = queue.NewMemory(cfg.VisibilityTimeout)
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND: %s", cfg.QueueBackend)
	}
	a.queues[name] = q
	return q, nil
}

// Receiver は論理キュー name の受信口を返します。プッシュ型のキューでは ErrPushQueue を返します。
func (a *App) Receiver(name string) (queue.Receiver, error) {
	q, err := a.Sender(name)
	if err != nil {
		return nil, err
	}
	r, ok := q.(queue.Receiver)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPushQueue, a.Config.QueueBackend)
	}
	return r, nil
}

// Router はストレージイベントを各ステージのキューへ振り分ける Router を作成します。
func (a *App) Router() (*pipeline.Router, error) {
	chunking, err := a.Sender(QueueChunking)
	if err != nil {
		return nil, err
	}
	infer, err := a.Sender(QueueInference)
	if err != nil {
		return nil, err
	}
	notify, err := a.Sender(QueueNotify)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRouter(chunking, infer, notify, a.Log), nil
}

// Close は開いた接続をすべて閉じます。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closer = nil
	return errors.Join(errs...)
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
