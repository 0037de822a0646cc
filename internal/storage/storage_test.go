package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/keys"
)

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://out/jobs/J1/segments/0")
	require.NoError(t, err)
	assert.Equal(t, "out", bucket)
	assert.Equal(t, "jobs/J1/segments/0", key)

	for _, bad := range []string{"", "out/key", "s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestURIRoundTrip(t *testing.T) {
	m := NewMemory()
	bucket, key, err := ParseURI(m.URI("b", "jobs/J/final"))
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "jobs/J/final", key)
}

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Download(ctx, "b", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, m.Upload(ctx, "b", "jobs/J/segments/0", []byte("seg0")))
	require.NoError(t, m.Upload(ctx, "b", "jobs/J/segments/1", []byte("seg1")))
	require.NoError(t, m.Upload(ctx, "b", "jobs/K/final", []byte("other")))

	ok, err := m.Exists(ctx, "b", "jobs/J/segments/0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "text/plain; charset=utf-8", m.ContentType("b", "jobs/J/segments/0"))

	keys, err := m.List(ctx, "b", "jobs/J/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/J/segments/0", "jobs/J/segments/1"}, keys)

	n, err := DeletePrefix(ctx, m, "b", "jobs/J/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = DeletePrefix(ctx, m, "b", "jobs/J/")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, m.Delete(ctx, "b", "never-existed"))
}

func TestMemoryFileTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, m.UploadFile(ctx, "b", "k", src))
	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, m.DownloadFile(ctx, "b", "k", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	url, err := m.PresignDownload(ctx, "b", "k", 0)
	require.NoError(t, err)
	assert.Contains(t, url, "/b/k?")
}

func TestMemoryListenDeliversUploadsForBucket(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []keys.ArtifactEvent
	var failures int
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Listen(ctx, "in", func(_ context.Context, ev keys.ArtifactEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
			if ev.Key == "bad" {
				return errors.New("rejected")
			}
			return nil
		}, func(error) {
			mu.Lock()
			failures++
			mu.Unlock()
		})
	}()

	// 購読の登録を待つ
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Upload(ctx, "in", "input/J/source", []byte("x")))
	require.NoError(t, m.Upload(ctx, "out", "jobs/J/final", []byte("y")))
	require.NoError(t, m.Upload(ctx, "in", "bad", []byte("z")))

	cancel()
	<-done
	require.NoError(t, m.Upload(context.Background(), "in", "late", []byte("z")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []keys.ArtifactEvent{{Bucket: "in", Key: "input/J/source"}, {Bucket: "in", Key: "bad"}}, got)
	assert.Equal(t, 1, failures)
}
