// Package queue はステージ間のメッセージ送受信を抽象化します。
// 配送は少なくとも1回で、ハンドラは Disposition でメッセージの後始末を指示します。
package queue

import (
	"context"
	"time"
)

// Message は受信した1件のメッセージです。Handle は Delete に渡す受領ハンドルです。
type Message struct {
	ID     string
	Body   []byte
	Handle string
}

// Sender はキューへメッセージを送信します。
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Receiver はキューからメッセージを受信します。
type Receiver interface {
	// Receive は最大 max 件を、最長 wait だけ待って受信します。0件は正常です。
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Delete は処理済みのメッセージを確定させます。
	Delete(ctx context.Context, handle string) error
}

// Disposition はハンドラの処理結果です。
type Disposition int

const (
	// Ack は効果を適用済み（または不要）なので削除します。
	Ack Disposition = iota
	// Drop は不正なメッセージとしてログを残して削除します。
	Drop
	// Retry は未確認のまま残し、可視性タイムアウト後に再配送させます。
	Retry
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Handler は1件のメッセージを処理します。
type Handler interface {
	Handle(ctx context.Context, msg Message) Disposition
}

// HandlerFunc は関数を Handler として扱うためのアダプタです。
type HandlerFunc func(ctx context.Context, msg Message) Disposition

func (f HandlerFunc) Handle(ctx context.Context, msg Message) Disposition {
	return f(ctx, msg)
}

// BatchHandler は受信したメッセージをまとめて処理し、全件に同じ結果を適用します。
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []Message) Disposition
}
