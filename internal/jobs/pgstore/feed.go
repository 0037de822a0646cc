package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourusername/stereo-forge/internal/queue"
)

// drainWait は最初の通知の後、同じバッチに含める追加通知を待つ時間です。
const drainWait = 50 * time.Millisecond

// Feed は LISTEN/NOTIFY で完了記録の変更を受け取る queue.Receiver です。
// NOTIFY は永続化されないため Delete は何もしません。取りこぼしはウォッチャーの定期スイープが拾います。
type Feed struct {
	dsn     string
	channel string

	mu   sync.Mutex
	conn *pgx.Conn
	seq  int64
}

// NewFeed は Feed を作成します。接続は最初の Receive で確立します。
func NewFeed(dsn, channel string) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Feed{dsn: dsn, channel: channel}
}

func (f *Feed) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if max <= 0 {
		max = 1
	}
	if err := f.listen(ctx); err != nil {
		return nil, err
	}

	var out []queue.Message
	timeout := wait
	for len(out) < max {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		n, err := f.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			// タイムアウト以外は接続を作り直す
			f.close()
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("wait for notification: %w", err)
		}
		f.seq++
		id := strconv.FormatInt(f.seq, 10)
		out = append(out, queue.Message{ID: id, Body: []byte(n.Payload), Handle: id})
		timeout = drainWait
	}
	return out, nil
}

func (f *Feed) Delete(context.Context, string) error {
	return nil
}

// Close は LISTEN 接続を閉じます。
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.close()
}

func (f *Feed) listen(ctx context.Context) error {
	if f.conn != nil {
		return nil
	}
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	f.conn = conn
	return nil
}

func (f *Feed) close() {
	if f.conn == nil {
		return
	}
	_ = f.conn.Close(context.Background())
	f.conn = nil
}
