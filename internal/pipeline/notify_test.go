package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/keys"
	"github.com/yourusername/stereo-forge/internal/queue"
)

func TestNotifierFinalArtifactCompletesJobIdempotently(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusReassembling, 2)
	n := NewNotifier(h.deps, false, nil, h.trigger)

	for _, key := range []string{keys.Final("J"), keys.ReassemblyDone("J"), keys.Final("J")} {
		assert.Equal(t, queue.Ack, n.Handle(context.Background(), artifact(t, outBucket, key)))
	}
	job := h.job(t, "J")
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestNotifierOutputSegmentRecordsCompletionAndTriggers(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	h.completeSegments(t, "J", 1)
	n := NewNotifier(h.deps, false, nil, h.trigger)

	d := n.Handle(context.Background(), artifact(t, outBucket, keys.OutputSegment("J", 1)))
	require.Equal(t, queue.Ack, d)
	assert.Equal(t, 2, h.completionCount(t, "J"))
	assert.Equal(t, 1, h.reassembly.Sent())

	// 再配送しても再結合は1度だけ
	d = n.Handle(context.Background(), artifact(t, outBucket, keys.OutputSegment("J", 1)))
	require.Equal(t, queue.Ack, d)
	assert.Equal(t, 1, h.reassembly.Sent())
}

func TestNotifierIgnoresOutputSegmentsForOutOfBandBackend(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	n := NewNotifier(h.deps, true, nil, h.trigger)

	d := n.Handle(context.Background(), artifact(t, outBucket, keys.OutputSegment("J", 0)))
	assert.Equal(t, queue.Ack, d)
	assert.Equal(t, 0, h.completionCount(t, "J"))
}

func TestNotifierSuccessNotificationRecordsCompletionAndReleasesPermit(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 1)
	permits, err := inference.NewBackpressure(inference.DefaultCapacity)
	require.NoError(t, err)
	require.True(t, permits.TryAcquire())

	location := "mem://out/jobs/J/segments/0"
	require.NoError(t, h.invocations.Put(context.Background(), jobs.Invocation{
		OutputLocation: location,
		JobID:          "J",
		SegmentIndex:   0,
		TotalSegments:  1,
		OutputURI:      location,
	}))
	n := NewNotifier(h.deps, true, permits, h.trigger)

	d := n.Handle(context.Background(), notification(t, keys.InvocationCompleted, location, ""))
	require.Equal(t, queue.Ack, d)
	assert.Equal(t, 1, h.completionCount(t, "J"))
	assert.Equal(t, 0, h.invocations.Len())
	assert.Equal(t, inference.DefaultCapacity, permits.Available())
	assert.Equal(t, 1, h.reassembly.Sent())

	// 処理済みの通知が再配送されても何もしない
	d = n.Handle(context.Background(), notification(t, keys.InvocationCompleted, location, ""))
	assert.Equal(t, queue.Ack, d)
	assert.Equal(t, inference.DefaultCapacity, permits.Available())
	assert.Equal(t, 1, h.reassembly.Sent())
}

func TestNotifierAppliesSuccessWithoutRecord(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	require.NoError(t, h.objects.Upload(context.Background(), outBucket, keys.OutputSegment("J", 1), []byte("3d")))
	n := NewNotifier(h.deps, true, nil, h.trigger)

	d := n.Handle(context.Background(), notification(t, keys.InvocationCompleted, "mem://out/jobs/J/segments/1", ""))
	assert.Equal(t, queue.Ack, d)
	list, err := h.completions.QueryByJob(context.Background(), "J")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].SegmentIndex)
	require.NotNil(t, list[0].TotalSegments)
	assert.Equal(t, 2, *list[0].TotalSegments)
}

func TestNotifierAcksSuccessWithoutRecordOrOutput(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	n := NewNotifier(h.deps, true, nil, h.trigger)

	// 記録が失効した通知を何度受けても再配送を求めない
	for i := 0; i < 2; i++ {
		d := n.Handle(context.Background(), notification(t, keys.InvocationCompleted, "mem://out/jobs/J/segments/1", ""))
		assert.Equal(t, queue.Ack, d)
	}
	assert.Equal(t, 0, h.completionCount(t, "J"))
	assert.Equal(t, jobs.StatusChunkingComplete, h.job(t, "J").Status)
}

func TestNotifierFailureWithoutRecordFailsJob(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	n := NewNotifier(h.deps, true, nil, h.trigger)

	d := n.Handle(context.Background(), notification(t, keys.InvocationFailed, "mem://out/jobs/J/segments/0", ""))
	assert.Equal(t, queue.Ack, d)
	job := h.job(t, "J")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, codeInferenceFailed, job.Error.Code)
}

func TestNotifierAcksForeignDuplicate(t *testing.T) {
	h := newHarness(t)
	n := NewNotifier(h.deps, true, nil, h.trigger)

	d := n.Handle(context.Background(), notification(t, keys.InvocationCompleted, "s3://elsewhere/result.out", ""))
	assert.Equal(t, queue.Ack, d)
}

func TestNotifierFailureNotificationFailsJob(t *testing.T) {
	h := newHarness(t)
	h.putJob(t, "J", jobs.StatusChunkingComplete, 2)
	permits, err := inference.NewBackpressure(2)
	require.NoError(t, err)
	require.True(t, permits.TryAcquire())

	location := "mem://out/jobs/J/segments/0"
	require.NoError(t, h.invocations.Put(context.Background(), jobs.Invocation{OutputLocation: location, JobID: "J", TotalSegments: 2}))
	n := NewNotifier(h.deps, true, permits, h.trigger)

	d := n.Handle(context.Background(), notification(t, keys.InvocationFailed, location, "model timeout"))
	require.Equal(t, queue.Ack, d)

	job := h.job(t, "J")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "model timeout", job.Error.Message)
	assert.Equal(t, 0, h.invocations.Len())
	assert.Equal(t, 2, permits.Available())

	// 重複した失敗通知は無害
	d = n.Handle(context.Background(), notification(t, keys.InvocationFailed, location, "model timeout"))
	assert.Equal(t, queue.Ack, d)
}

func TestNotifierDropsMalformedMessages(t *testing.T) {
	h := newHarness(t)
	n := NewNotifier(h.deps, true, nil, h.trigger)

	for _, body := range []string{
		`{"invocationStatus":"Completed"}`,
		`{"key":"input/J/source","bucket":"in"}`,
		`garbage`,
	} {
		assert.Equal(t, queue.Drop, n.Handle(context.Background(), queue.Message{ID: "m", Body: []byte(body)}), body)
	}
}
