package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 1024

// HTTP は変換をブロッキングな HTTP 呼び出しで行う同期バックエンドです。
// セグメントのバイト列を POST し、レスポンス本文を変換結果として受け取ります。
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP は HTTP バックエンドを作成します。
func NewHTTP(endpoint string, timeout time.Duration) *HTTP {
	return &HTTP{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Kind() string    { return KindHTTP }
func (h *HTTP) OutOfBand() bool { return false }

func (h *HTTP) Transform(ctx context.Context, req Request, data []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/invocations", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Job-Id", req.JobID)
	httpReq.Header.Set("X-Segment-Index", strconv.Itoa(req.SegmentIndex))
	httpReq.Header.Set("X-Stereo-Mode", string(req.Mode))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", h.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Async は非同期マネージドエンドポイントに呼び出しを投げるバックエンドです。
// 完了は通知チャネル経由で届くため、ここでは受理されたことだけを確認します。
type Async struct {
	endpoint string
	client   *http.Client
}

// NewAsync は Async バックエンドを作成します。
func NewAsync(endpoint string, timeout time.Duration) *Async {
	return &Async{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *Async) Kind() string    { return KindAsync }
func (a *Async) OutOfBand() bool { return true }

func (a *Async) Invoke(ctx context.Context, req Request) (Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/async-invocations", bytes.NewReader(body))
	if err != nil {
		return Accepted{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Accepted{}, fmt.Errorf("invoke %s: %w", a.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Accepted{}, statusError(resp)
	}

	var accepted Accepted
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&accepted); err != nil && err != io.EOF {
		return Accepted{}, fmt.Errorf("decode invocation response: %w", err)
	}
	if accepted.OutputLocation == "" {
		accepted.OutputLocation = req.OutputURI
	}
	return accepted, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
