package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

const (
	inBucket  = "in"
	outBucket = "out"
)

type harness struct {
	deps        Deps
	jobs        *jobs.MemoryStore
	completions *jobs.MemoryCompletionStore
	lock        *jobs.MemoryLock
	invocations *jobs.MemoryInvocationStore
	objects     *storage.Memory
	reassembly  *queue.Memory
	changes     *queue.Memory
	trigger     *Trigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	changes := queue.NewMemory(0)
	h := &harness{
		jobs:        jobs.NewMemoryStore(),
		completions: jobs.NewMemoryCompletionStore(changes),
		lock:        jobs.NewMemoryLock(time.Hour),
		invocations: jobs.NewMemoryInvocationStore(),
		objects:     storage.NewMemory(),
		reassembly:  queue.NewMemory(time.Minute),
		changes:     changes,
	}
	h.deps = Deps{
		Jobs:        h.jobs,
		Completions: h.completions,
		Lock:        h.lock,
		Invocations: h.invocations,
		Objects:     h.objects,
		Buckets:     Buckets{Input: inBucket, Output: outBucket},
		Log:         logger.NewNop(),
	}
	h.trigger = NewTrigger(h.deps, h.reassembly)
	return h
}

func (h *harness) putJob(t *testing.T, id string, status jobs.Status, total int) {
	t.Helper()
	job := &jobs.Job{JobID: id, Mode: keys.ModeAnaglyph, Status: status}
	if total > 0 {
		job.TotalSegments = &total
	}
	require.NoError(t, h.jobs.Put(context.Background(), job))
}

func (h *harness) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id, true)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// completeSegments は index 0..n-1 の出力オブジェクトと完了記録を用意します。
func (h *harness) completeSegments(t *testing.T, id string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		key := keys.OutputSegment(id, i)
		require.NoError(t, h.objects.Upload(ctx, outBucket, key, []byte(fmt.Sprintf("[%d]", i))))
		require.NoError(t, h.completions.Put(ctx, jobs.SegmentCompletion{
			JobID:          id,
			SegmentIndex:   i,
			OutputLocation: h.objects.URI(outBucket, key),
		}))
	}
}

func (h *harness) completionCount(t *testing.T, id string) int {
	t.Helper()
	list, err := h.completions.QueryByJob(context.Background(), id)
	require.NoError(t, err)
	return len(list)
}

func artifact(t *testing.T, bucket, key string) queue.Message {
	t.Helper()
	body, err := keys.EncodeArtifactEvent(bucket, key)
	require.NoError(t, err)
	return queue.Message{ID: key, Body: body, Handle: key}
}

func jobMessage(t *testing.T, id string) queue.Message {
	t.Helper()
	body, err := keys.EncodeJobMessage(id)
	require.NoError(t, err)
	return queue.Message{ID: id, Body: body, Handle: id}
}

func notification(t *testing.T, status keys.InvocationStatus, location, reason string) queue.Message {
	t.Helper()
	n := keys.InferenceNotification{InvocationStatus: status, FailureReason: reason}
	n.ResponseParameters.OutputLocation = location
	body, err := keys.EncodeInferenceNotification(n)
	require.NoError(t, err)
	return queue.Message{ID: location, Body: body, Handle: location}
}

// fakeSplitter は入力を segments 個のファイルに分けたことにします。
type fakeSplitter struct {
	segments int
	err      error
	calls    atomic.Int32
}

func (f *fakeSplitter) Split(_ context.Context, inputPath, outDir string) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, f.segments)
	for i := 0; i < f.segments; i++ {
		path := filepath.Join(outDir, fmt.Sprintf("seg_%05d.mp4", i))
		if err := os.WriteFile(path, append(append([]byte(nil), data...), byte('0'+i)), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// fakeConcat は入力を順に連結して出力に書きます。
// hold が設定されていれば連結の前に呼ばれ、長い連結を模します。
type fakeConcat struct {
	err   error
	hold  func(ctx context.Context) error
	calls atomic.Int32
}

func (f *fakeConcat) Concat(ctx context.Context, inputs []string, output string) error {
	f.calls.Add(1)
	if f.hold != nil {
		if err := f.hold(ctx); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(output, buf.Bytes(), 0o644)
}

// fakeTransformer は同期バックエンドの代わりです。
type fakeTransformer struct {
	err error
}

func (f *fakeTransformer) Kind() string    { return "fake" }
func (f *fakeTransformer) OutOfBand() bool { return false }

func (f *fakeTransformer) Transform(_ context.Context, _ inference.Request, data []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("3d:"), data...), nil
}

// fakeInvoker は非同期バックエンドの代わりです。
// locationFor があればバックエンド独自の出力先を返し、onInvoke は受理の直前に呼ばれます。
type fakeInvoker struct {
	mu          sync.Mutex
	reqs        []inference.Request
	err         error
	locationFor func(n int, req inference.Request) string
	onInvoke    func(accepted inference.Accepted)
}

func (f *fakeInvoker) Kind() string    { return inference.KindAsync }
func (f *fakeInvoker) OutOfBand() bool { return true }

func (f *fakeInvoker) Invoke(_ context.Context, req inference.Request) (inference.Accepted, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return inference.Accepted{}, f.err
	}
	f.reqs = append(f.reqs, req)
	accepted := inference.Accepted{
		InferenceID:    fmt.Sprintf("inv-%d", len(f.reqs)),
		OutputLocation: req.OutputURI,
	}
	if f.locationFor != nil {
		accepted.OutputLocation = f.locationFor(len(f.reqs), req)
	}
	f.mu.Unlock()

	if f.onInvoke != nil {
		f.onInvoke(accepted)
	}
	return accepted, nil
}

// flakyInvocations は最初の failPuts 回の Put に失敗します。
type flakyInvocations struct {
	jobs.InvocationStore
	failPuts atomic.Int32
	puts     atomic.Int32
}

func (f *flakyInvocations) Put(ctx context.Context, inv jobs.Invocation) error {
	f.puts.Add(1)
	if f.failPuts.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.InvocationStore.Put(ctx, inv)
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeInvoker) request(i int) inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

// strictJobStore は呼ばれた回数を数えます。Get と Update 以外はパニックします。
type strictJobStore struct {
	jobs.JobStore
	calls atomic.Int32
}

func (s *strictJobStore) Get(context.Context, string, bool) (*jobs.Job, error) {
	s.calls.Add(1)
	return nil, nil
}

func (s *strictJobStore) Update(context.Context, string, jobs.Update) (*jobs.Job, error) {
	s.calls.Add(1)
	return nil, jobs.ErrJobNotFound
}

// brokenJobStore はすべての読み取りに失敗します。
type brokenJobStore struct {
	jobs.JobStore
}

func (brokenJobStore) Get(context.Context, string, bool) (*jobs.Job, error) {
	return nil, errors.New("store unavailable")
}

type failingSender struct{}

func (failingSender) Send(context.Context, []byte) error {
	return errors.New("queue unavailable")
}
