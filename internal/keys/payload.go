package keys

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ArtifactEvent は「成果物が作成された」ことを伝えるメッセージです。
type ArtifactEvent struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// JobMessage は再結合・削除ステージ向けのメッセージです。
type JobMessage struct {
	JobID string `json:"job_id"`
}

// IngestMessage は外部URLからの取り込みを依頼するメッセージです。
type IngestMessage struct {
	JobID     string `json:"job_id"`
	SourceURL string `json:"source_url"`
}

// InvocationStatus は非同期推論の結果種別です。
type InvocationStatus string

const (
	InvocationCompleted InvocationStatus = "Completed"
	InvocationFailed    InvocationStatus = "Failed"
)

// InferenceNotification は非同期推論バックエンドから届く完了/失敗通知です。
type InferenceNotification struct {
	InvocationStatus   InvocationStatus `json:"invocationStatus"`
	InferenceID        string           `json:"inferenceId,omitempty"`
	FailureReason      string           `json:"failureReason,omitempty"`
	ResponseParameters struct {
		OutputLocation string `json:"outputLocation"`
	} `json:"responseParameters"`
	RequestParameters struct {
		InputLocation string `json:"inputLocation,omitempty"`
	} `json:"requestParameters"`
}

// OutputLocation は通知の相関トークンを返します。
func (n *InferenceNotification) OutputLocation() string {
	return n.ResponseParameters.OutputLocation
}

// Succeeded は成功通知かどうかを返します。
func (n *InferenceNotification) Succeeded() bool {
	return strings.EqualFold(string(n.InvocationStatus), string(InvocationCompleted))
}

// s3Notification はストレージが発行する Records[] 形式の通知です。
type s3Notification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// EncodeArtifactEvent は ArtifactEvent を JSON にします。
func EncodeArtifactEvent(bucket, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is required", ErrMalformed)
	}
	return json.Marshal(ArtifactEvent{Bucket: bucket, Key: key})
}

// DecodeArtifactEvents はメッセージ本文から成果物イベントを取り出します。
// {bucket, key} 形式と Records[] 形式の両方を受け付けます。
func DecodeArtifactEvents(body []byte) ([]ArtifactEvent, error) {
	var envelope struct {
		ArtifactEvent
		s3Notification
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Key != "" {
		return []ArtifactEvent{envelope.ArtifactEvent}, nil
	}
	if len(envelope.Records) == 0 {
		return nil, fmt.Errorf("%w: no artifact key in body", ErrMalformed)
	}
	events := make([]ArtifactEvent, 0, len(envelope.Records))
	for _, rec := range envelope.Records {
		key := rec.S3.Object.Key
		// S3 系の通知ではキーが URL エンコードされて届く
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if key == "" {
			return nil, fmt.Errorf("%w: record without object key", ErrMalformed)
		}
		events = append(events, ArtifactEvent{Bucket: rec.S3.Bucket.Name, Key: key})
	}
	return events, nil
}

// DecodeArtifactEvent は単一の成果物イベントを取り出します。
func DecodeArtifactEvent(body []byte) (ArtifactEvent, error) {
	events, err := DecodeArtifactEvents(body)
	if err != nil {
		return ArtifactEvent{}, err
	}
	if len(events) != 1 {
		return ArtifactEvent{}, fmt.Errorf("%w: expected one artifact event, got %d", ErrMalformed, len(events))
	}
	return events[0], nil
}

// EncodeJobMessage は JobMessage を JSON にします。
func EncodeJobMessage(jobID string) ([]byte, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: job_id is required", ErrMalformed)
	}
	return json.Marshal(JobMessage{JobID: jobID})
}

// DecodeJobMessage は JobMessage を読み取ります。
func DecodeJobMessage(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.JobID = strings.TrimSpace(msg.JobID)
	if !validJobID(msg.JobID) {
		return JobMessage{}, fmt.Errorf("%w: missing job_id", ErrMalformed)
	}
	return msg, nil
}

// EncodeIngestMessage は IngestMessage を JSON にします。
func EncodeIngestMessage(jobID, sourceURL string) ([]byte, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: job_id is required", ErrMalformed)
	}
	if err := validateSourceURL(sourceURL); err != nil {
		return nil, err
	}
	return json.Marshal(IngestMessage{JobID: jobID, SourceURL: sourceURL})
}

// DecodeIngestMessage は IngestMessage を読み取ります。
func DecodeIngestMessage(body []byte) (IngestMessage, error) {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return IngestMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !validJobID(msg.JobID) {
		return IngestMessage{}, fmt.Errorf("%w: missing job_id", ErrMalformed)
	}
	if err := validateSourceURL(msg.SourceURL); err != nil {
		return IngestMessage{}, err
	}
	return msg, nil
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: source_url must be an absolute http(s) URL", ErrMalformed)
	}
	return nil
}

// EncodeInferenceNotification は通知を JSON にします。テストとAPI中継で利用します。
func EncodeInferenceNotification(n InferenceNotification) ([]byte, error) {
	if n.OutputLocation() == "" {
		return nil, fmt.Errorf("%w: outputLocation is required", ErrMalformed)
	}
	return json.Marshal(n)
}

// DecodeInferenceNotification は非同期推論の通知を読み取ります。
func DecodeInferenceNotification(body []byte) (InferenceNotification, error) {
	var n InferenceNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return InferenceNotification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.InvocationStatus == "" {
		return InferenceNotification{}, fmt.Errorf("%w: missing invocationStatus", ErrMalformed)
	}
	if n.OutputLocation() == "" {
		return InferenceNotification{}, fmt.Errorf("%w: missing responseParameters.outputLocation", ErrMalformed)
	}
	return n, nil
}

// IsInferenceNotification は本文が推論通知の形をしているかを判定します。
func IsInferenceNotification(body []byte) bool {
	var envelope struct {
		InvocationStatus *string `json:"invocationStatus"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.InvocationStatus != nil
}
