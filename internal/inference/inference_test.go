package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/keys"
)

func TestLocalIsInBandPassthrough(t *testing.T) {
	var b Transformer = Local{}
	assert.False(t, b.OutOfBand())
	out, err := b.Transform(context.Background(), Request{}, []byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, "frame", string(out))
}

func TestHTTPTransform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invocations", r.URL.Path)
		assert.Equal(t, "J1", r.Header.Get("X-Job-Id"))
		assert.Equal(t, "side-by-side", r.Header.Get("X-Stereo-Mode"))
		data, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("3d:"), data...))
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL+"/", time.Second)
	assert.False(t, b.OutOfBand())
	out, err := b.Transform(context.Background(), Request{JobID: "J1", Mode: keys.ModeSideBySide}, []byte("seg"))
	require.NoError(t, err)
	assert.Equal(t, "3d:seg", string(out))
}

func TestHTTPTransformStatusErrors(t *testing.T) {
	code := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte("bad segment"))
	}))
	defer srv.Close()

	b := NewHTTP(srv.URL, time.Second)
	_, err := b.Transform(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "bad segment")

	code = http.StatusServiceUnavailable
	_, err = b.Transform(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestAsyncInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/async-invocations", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s3://in/segments/J1/00000_00002_anaglyph", req.InputURI)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{InferenceID: "inv-1", OutputLocation: req.OutputURI})
	}))
	defer srv.Close()

	b := NewAsync(srv.URL, time.Second)
	assert.True(t, b.OutOfBand())
	acc, err := b.Invoke(context.Background(), Request{
		JobID:     "J1",
		InputURI:  "s3://in/segments/J1/00000_00002_anaglyph",
		OutputURI: "s3://out/jobs/J1/segments/0",
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", acc.InferenceID)
	assert.Equal(t, "s3://out/jobs/J1/segments/0", acc.OutputLocation)
}

func TestAsyncInvokeDefaultsOutputLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	acc, err := NewAsync(srv.URL, time.Second).Invoke(context.Background(), Request{OutputURI: "s3://out/x"})
	require.NoError(t, err)
	assert.Equal(t, "s3://out/x", acc.OutputLocation)
}

func TestBackpressureCapacityBounds(t *testing.T) {
	_, err := NewBackpressure(0)
	assert.Error(t, err)
	_, err = NewBackpressure(MaxCapacity + 1)
	assert.Error(t, err)
	b, err := NewBackpressure(MaxCapacity)
	require.NoError(t, err)
	assert.Equal(t, MaxCapacity, b.Available())
}

func TestBackpressureBlocksSixthUntilRelease(t *testing.T) {
	b, err := NewBackpressure(DefaultCapacity)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	assert.Equal(t, 0, b.Available())
	assert.False(t, b.TryAcquire())

	acquired := make(chan struct{})
	go func() {
		if err := b.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("sixth acquire must block while five are in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, b.Release())
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("sixth acquire did not proceed after release")
	}
	assert.Equal(t, 5, b.InFlight())
}

func TestBackpressureReleaseIsGuarded(t *testing.T) {
	b, err := NewBackpressure(2)
	require.NoError(t, err)
	assert.False(t, b.Release(), "nothing to release")
	assert.Equal(t, 2, b.Available())

	require.NoError(t, b.Acquire(context.Background()))
	var wg sync.WaitGroup
	released := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			released <- b.Release()
		}()
	}
	wg.Wait()
	close(released)
	count := 0
	for ok := range released {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, b.Available())
}

func TestBackpressureAcquireHonorsContext(t *testing.T) {
	b, err := NewBackpressure(1)
	require.NoError(t, err)
	require.True(t, b.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Acquire(ctx))
	assert.Equal(t, 1, b.InFlight())
}
