package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/stereo-forge/internal/keys"
)

// Memory はプロセス内の ObjectStore 実装です。テストと単体起動で利用します。
type Memory struct {
	mu      sync.Mutex
	objects map[string]map[string]memoryObject
	uploads int

	nextSub     int
	subscribers map[int]memorySubscriber
}

type memorySubscriber struct {
	ctx     context.Context
	bucket  string
	fn      func(context.Context, keys.ArtifactEvent) error
	onError func(error)
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemory は Memory を作成します。
func NewMemory() *Memory {
	return &Memory{
		objects:     make(map[string]map[string]memoryObject),
		subscribers: make(map[int]memorySubscriber),
	}
}

func (m *Memory) PresignUpload(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return m.presign("PUT", bucket, key, ttl), nil
}

func (m *Memory) PresignDownload(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return m.presign("GET", bucket, key, ttl), nil
}

func (m *Memory) presign(method, bucket, key string, ttl time.Duration) string {
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	return "http://memory.local/" + bucket + "/" + key + "?" + q.Encode()
}

func (m *Memory) Upload(_ context.Context, bucket, key string, data []byte) error {
	m.put(bucket, key, data, detectContentType(data))
	return nil
}

func (m *Memory) UploadFile(_ context.Context, bucket, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.put(bucket, key, data, detectContentType(data))
	return nil
}

func (m *Memory) put(bucket, key string, data []byte, contentType string) {
	m.mu.Lock()
	b, ok := m.objects[bucket]
	if !ok {
		b = make(map[string]memoryObject)
		m.objects[bucket] = b
	}
	b[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	m.uploads++
	var subs []memorySubscriber
	for _, sub := range m.subscribers {
		if sub.bucket == bucket {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	// 購読者への通知はアップロードした側のゴルーチンで同期的に行う
	ev := keys.ArtifactEvent{Bucket: bucket, Key: key}
	for _, sub := range subs {
		if err := sub.fn(sub.ctx, ev); err != nil && sub.onError != nil {
			sub.onError(fmt.Errorf("handle %s/%s: %w", bucket, key, err))
		}
	}
}

// Listen は bucket へのアップロードを購読します。Minio.Listen と同じく ctx のキャンセルまで戻りません。
func (m *Memory) Listen(ctx context.Context, bucket string, fn func(context.Context, keys.ArtifactEvent) error, onError func(error)) error {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = memorySubscriber{ctx: ctx, bucket: bucket, fn: fn, onError: onError}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subscribers, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Download(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) DownloadFile(ctx context.Context, bucket, key, path string) error {
	data, err := m.Download(ctx, bucket, key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Memory) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket][key]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects[bucket], key)
	return nil
}

func (m *Memory) List(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) URI(bucket, key string) string {
	return "mem://" + bucket + "/" + key
}

// ContentType は保存時に判定した Content-Type を返します。
func (m *Memory) ContentType(bucket, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[bucket][key].contentType
}

// Uploads はこれまでのアップロード回数を返します。
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Subscribers は Listen 中の購読数を返します。
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}
