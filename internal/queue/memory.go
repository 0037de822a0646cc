package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory はプロセス内で完結するキューです。可視性タイムアウトを模擬します。
// visibility が 0 の場合、未削除のメッセージは次の Receive ですぐ再配送されます。
type Memory struct {
	mu         sync.Mutex
	ready      []Message
	inflight   map[string]inflight
	visibility time.Duration
	seq        int
	sent       int
	signal     chan struct{}
	now        func() time.Time
}

type inflight struct {
	msg      Message
	deadline time.Time
}

// NewMemory は Memory キューを作成します。
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		inflight:   make(map[string]inflight),
		visibility: visibility,
		signal:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

func (q *Memory) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.seq++
	id := strconv.Itoa(q.seq)
	q.ready = append(q.ready, Message{ID: id, Body: append([]byte(nil), body...), Handle: id})
	q.sent++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if msgs := q.take(max); len(msgs) > 0 || wait <= 0 {
		return msgs, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return q.take(max), nil
	case <-q.signal:
		return q.take(max), nil
	}
}

func (q *Memory) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, handle)
	return nil
}

func (q *Memory) take(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for handle, f := range q.inflight {
		if !now.Before(f.deadline) {
			q.ready = append(q.ready, f.msg)
			delete(q.inflight, handle)
		}
	}
	n := max
	if n > len(q.ready) {
		n = len(q.ready)
	}
	out := make([]Message, n)
	copy(out, q.ready[:n])
	q.ready = q.ready[n:]
	for _, m := range out {
		q.inflight[m.Handle] = inflight{msg: m, deadline: now.Add(q.visibility)}
	}
	return out
}

// Sent はこれまでに送信された件数を返します。
func (q *Memory) Sent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent
}

// Len は未削除のメッセージ件数（待機中と処理中の合計）を返します。
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Pending は配送待ちのメッセージ本文を返します。
func (q *Memory) Pending() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.Body)
	}
	return out
}
