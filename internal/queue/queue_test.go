package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/logger"
)

func TestMemoryVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Hour)
	require.NoError(t, q.Send(ctx, []byte("a")))
	require.NoError(t, q.Send(ctx, []byte("b")))

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	again, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight messages are hidden")

	require.NoError(t, q.Delete(ctx, msgs[0].Handle))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.Sent())
}

func TestMemoryRedeliversUndeleted(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)
	require.NoError(t, q.Send(ctx, []byte("a")))

	first, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestMemoryReceiveWaitsForSend(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Hour)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Send(ctx, []byte("late"))
	}()
	msgs, err := q.Receive(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))
}

type scripted struct {
	mu     sync.Mutex
	seen   []string
	result map[string]Disposition
}

func (s *scripted) Handle(_ context.Context, msg Message) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, string(msg.Body))
	if string(msg.Body) == "panic" {
		panic("boom")
	}
	return s.result[string(msg.Body)]
}

func TestRunSettlesByDisposition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(time.Hour)
	for _, b := range []string{"ok", "bad", "later", "panic"} {
		require.NoError(t, q.Send(ctx, []byte(b)))
	}
	h := &scripted{result: map[string]Disposition{"ok": Ack, "bad": Drop, "later": Retry}}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, q, h, RunOptions{Name: "test", MaxMessages: 10, IdleSleep: 5 * time.Millisecond}, logger.NewNop())
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.seen) == 4
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Retry とパニックしたメッセージだけが残る
	assert.Equal(t, 2, q.Len())
}

func TestRunStopsHandlerWaitingForAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(time.Hour)
	require.NoError(t, q.Send(ctx, []byte("wait")))

	waiting := make(chan struct{})
	var handlerErr error
	h := HandlerFunc(func(hctx context.Context, _ Message) Disposition {
		actx, stop := Admission(hctx)
		defer stop()
		close(waiting)
		<-actx.Done()
		handlerErr = hctx.Err()
		return Retry
	})

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, q, h, RunOptions{Name: "test", IdleSleep: 5 * time.Millisecond}, logger.NewNop())
	}()
	<-waiting
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop while the handler waited for admission")
	}
	// 処理中のコンテキスト自体はキャンセルされない
	assert.NoError(t, handlerErr)
	assert.Equal(t, 1, q.Len())
}

func TestAdmissionOutsideRunFollowsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	actx, stop := Admission(ctx)
	defer stop()
	assert.NoError(t, actx.Err())
	cancel()
	<-actx.Done()
	assert.ErrorIs(t, actx.Err(), context.Canceled)
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
	result  Disposition
}

func (b *batchRecorder) HandleBatch(_ context.Context, msgs []Message) Disposition {
	b.mu.Lock()
	defer b.mu.Unlock()
	var bodies []string
	for _, m := range msgs {
		bodies = append(bodies, string(m.Body))
	}
	b.batches = append(b.batches, bodies)
	return b.result
}

func TestRunBatchLeavesFailedBatchUnacked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(time.Hour)
	require.NoError(t, q.Send(ctx, []byte("1")))
	require.NoError(t, q.Send(ctx, []byte("2")))
	h := &batchRecorder{result: Retry}

	done := make(chan error, 1)
	go func() {
		done <- RunBatch(ctx, q, h, RunOptions{MaxMessages: 10, IdleSleep: 5 * time.Millisecond}, logger.NewNop())
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.batches) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"1", "2"}, h.batches[0])
	assert.Equal(t, 2, q.Len())
}

func TestDispositionError(t *testing.T) {
	log := logger.NewNop()
	assert.NoError(t, dispositionError(Ack, "1", log))
	assert.NoError(t, dispositionError(Drop, "1", log))
	assert.ErrorIs(t, dispositionError(Retry, "1", log), errRetryLater)
}

func TestRedisStreams(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	stream := "test:queue:" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { rdb.Del(ctx, stream) })

	q := NewRedisStreams(rdb, stream, "workers", "c1", 50*time.Millisecond)
	require.NoError(t, q.Send(ctx, []byte(`{"job_id":"J1"}`)))

	msgs, err := q.Receive(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"job_id":"J1"}`, string(msgs[0].Body))

	// 未確認のまま可視性タイムアウトを過ぎると再配送される
	time.Sleep(80 * time.Millisecond)
	again, err := q.Receive(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)

	require.NoError(t, q.Delete(ctx, again[0].Handle))
	time.Sleep(80 * time.Millisecond)
	none, err := q.Receive(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, none)
}
