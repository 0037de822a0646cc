// Package inference は推論バックエンド（ローカル、同期 HTTP、非同期マネージド）と
// 非同期呼び出しの同時実行数を抑えるバックプレッシャーを提供します。
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/stereo-forge/internal/keys"
)

const (
	KindLocal = "local"
	KindHTTP  = "http"
	KindAsync = "async"
)

// Request は1セグメント分の推論要求です。
type Request struct {
	JobID         string    `json:"jobId"`
	SegmentIndex  int       `json:"segmentIndex"`
	TotalSegments int       `json:"totalSegments"`
	Mode          keys.Mode `json:"mode"`
	InputURI      string    `json:"inputLocation"`
	OutputURI     string    `json:"outputLocation"`
}

// Backend は推論バックエンドの共通部分です。
type Backend interface {
	Kind() string
	// OutOfBand は完了が別経路の通知で届くかどうかを返します。
	OutOfBand() bool
}

// Transformer はセグメントのバイト列をその場で変換するバックエンドです。
type Transformer interface {
	Backend
	Transform(ctx context.Context, req Request, data []byte) ([]byte, error)
}

// Invoker は呼び出しを受け付けるだけで完了を待たないバックエンドです。
type Invoker interface {
	Backend
	Invoke(ctx context.Context, req Request) (Accepted, error)
}

// Accepted は非同期呼び出しの受理結果です。OutputLocation が通知との突き合わせキーです。
type Accepted struct {
	InferenceID    string `json:"inferenceId"`
	OutputLocation string `json:"outputLocation"`
}

// StatusError はバックエンドが非 2xx を返したことを示します。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference backend returned %d: %s", e.StatusCode, e.Body)
}

// Permanent はリトライしても成功しない応答（4xx）かどうかを返します。
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent は err がリトライ不能なバックエンドエラーかどうかを返します。
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Local はセグメントをそのまま返すスタブです。モデルを持たない環境での動作確認に使います。
type Local struct{}

func (Local) Kind() string    { return KindLocal }
func (Local) OutOfBand() bool { return false }

func (Local) Transform(_ context.Context, _ Request, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
