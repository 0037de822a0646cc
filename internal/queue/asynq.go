package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/stereo-forge/internal/logger"
)

// AsynqQueue はステージのタスクを投入する asynq のキュー名です。
const AsynqQueue = "stereo"

// errRetryLater は asynq に再試行させるためのエラーです。
var errRetryLater = errors.New("message left for redelivery")

// AsynqSender はタスク種別ごとに asynq へメッセージを投入します。
type AsynqSender struct {
	client   *asynq.Client
	taskType string
	maxRetry int
}

// NewAsynqClient は Redis URL から asynq クライアントを作成します。
func NewAsynqClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// NewAsynqSender は AsynqSender を作成します。taskType には論理キュー名を渡します。
func NewAsynqSender(client *asynq.Client, taskType string, maxRetry int) *AsynqSender {
	return &AsynqSender{client: client, taskType: taskType, maxRetry: maxRetry}
}

func (s *AsynqSender) Send(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("body is empty")
	}
	task := asynq.NewTask(s.taskType, body, asynq.Queue(AsynqQueue))
	_, err := s.client.EnqueueContext(ctx, task, asynq.MaxRetry(s.maxRetry))
	return err
}

// AsynqServer は asynq のワーカーサーバーで Handler を実行します。
// asynq はプッシュ型なので Receiver の代わりにこちらでステージを動かします。
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logger.Logger
}

// NewAsynqServer は AsynqServer を初期化します。
func NewAsynqServer(redisURL string, concurrency int, log *logger.Logger) (*AsynqServer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				AsynqQueue: 1,
			},
		},
	)
	return &AsynqServer{
		server: server,
		mux:    asynq.NewServeMux(),
		log:    log.With("component", "asynq"),
	}, nil
}

// Handle は taskType のタスクを h で処理するよう登録します。
func (s *AsynqServer) Handle(taskType string, h Handler) {
	log := s.log.With("queue", taskType)
	s.mux.HandleFunc(taskType, func(ctx context.Context, task *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		return dispositionError(safeHandle(ctx, h, Message{ID: id, Body: task.Payload(), Handle: id}, log), id, log)
	})
}

// Run はサーバーを起動し、ctx がキャンセルされたら停止します。
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

// dispositionError は Disposition を asynq の戻り値に変換します。
// Ack と Drop は nil（タスク完了）、Retry はエラーを返してリトライさせます。
func dispositionError(d Disposition, id string, log *logger.Logger) error {
	switch d {
	case Retry:
		return errRetryLater
	case Drop:
		log.Warn("dropping message", "message_id", id)
	}
	return nil
}
