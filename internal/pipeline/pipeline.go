// Package pipeline は動画変換の各ステージ（分割、推論、完了通知、再結合、削除、監視、取り込み）を実装します。
// すべてのハンドラは少なくとも1回配送を前提に、永続化された現在の状態とメッセージ内容だけから冪等に動作します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

// Buckets は入力側と出力側のバケット名です。
// 入力側には元動画と分割済みセグメント、出力側には推論結果と最終成果物を置きます。
type Buckets struct {
	Input  string
	Output string
}

// Deps はステージが共有する依存です。
type Deps struct {
	Jobs        jobs.JobStore
	Completions jobs.CompletionStore
	Lock        jobs.Lock
	Invocations jobs.InvocationStore
	Objects     storage.ObjectStore
	Buckets     Buckets
	Log         *logger.Logger
}

func (d Deps) logger(component string) *logger.Logger {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	return log.With("component", component)
}

const (
	codeInvalidMode     = "INVALID_MODE"
	codeInferenceFailed = "INFERENCE_FAILED"
	codeIngestFailed    = "INGEST_FAILED"
	codeSourceTooLarge  = "SOURCE_TOO_LARGE"
)

// activeForInference は推論ステージ以降で failed に遷移できる状態です。
var activeForInference = []jobs.Status{
	jobs.StatusChunkingInProgress,
	jobs.StatusChunkingComplete,
	jobs.StatusReassembling,
}

// eachEvent は成果物イベントの本文を分解し、イベントごとに fn を呼びます。
// 本文が読めない場合は Drop です。複数イベントの結果は Retry > Ack > Drop の順に強い方を返します。
func eachEvent(body []byte, log *logger.Logger, fn func(keys.ArtifactEvent) queue.Disposition) queue.Disposition {
	events, err := keys.DecodeArtifactEvents(body)
	if err != nil {
		log.Warn("malformed artifact event", "error", err)
		return queue.Drop
	}
	result := queue.Drop
	for _, ev := range events {
		result = stronger(result, fn(ev))
	}
	return result
}

func stronger(a, b queue.Disposition) queue.Disposition {
	rank := func(d queue.Disposition) int {
		switch d {
		case queue.Retry:
			return 2
		case queue.Ack:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// statusOutcome は状態更新のエラーを Disposition に変換します。
// 期待した状態でなかった場合は他のステージが先に進めたものとして Ack です。
func statusOutcome(err error, log *logger.Logger, msg string) queue.Disposition {
	switch {
	case err == nil:
		return queue.Ack
	case errors.Is(err, jobs.ErrStatusConflict), errors.Is(err, jobs.ErrInvalidTransition):
		log.Info(msg+": status already moved", "error", err)
		return queue.Ack
	case errors.Is(err, jobs.ErrJobNotFound):
		log.Warn(msg+": job not found", "error", err)
		return queue.Drop
	default:
		log.Warn(msg, "error", err)
		return queue.Retry
	}
}

// workspace はメッセージ1件分の作業ディレクトリを作ります。戻り値の関数で後始末します。
func workspace(base, pattern string) (string, func(), error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// withoutCancel は後始末用に、キャンセルされない ctx を返します。
func withoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
