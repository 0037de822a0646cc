package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/stereo-forge/internal/keys"
)

// 以下はストア実装共通の振る舞いを検証するヘルパーです。memory と redis の両方から呼び出します。

func runJobStoreContract(t *testing.T, s JobStore, prefix string) {
	ctx := context.Background()
	id := prefix + "job-1"

	got, err := s.Get(ctx, id, true)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Create(ctx, &Job{JobID: id, Mode: keys.ModeAnaglyph, Status: StatusCreated, Title: "clip"}))
	assert.ErrorIs(t, s.Create(ctx, &Job{JobID: id, Status: StatusCreated}), ErrJobExists)

	job, err := s.Update(ctx, id, SetStatus(StatusChunkingInProgress, StatusCreated))
	require.NoError(t, err)
	assert.Equal(t, StatusChunkingInProgress, job.Status)

	_, err = s.Update(ctx, id, SetStatus(StatusReassembling, StatusCreated))
	assert.ErrorIs(t, err, ErrStatusConflict)

	_, err = s.Update(ctx, id, SetStatus(StatusCompleted))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	two := 2
	status := StatusChunkingComplete
	job, err = s.Update(ctx, id, Update{Status: &status, TotalSegments: &two})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Total())

	three := 3
	_, err = s.Update(ctx, id, Update{TotalSegments: &three})
	assert.ErrorIs(t, err, ErrTotalSegmentsImmutable)
	_, err = s.Update(ctx, id, Update{TotalSegments: &two})
	require.NoError(t, err)

	inProgress, err := s.ListInProgress(ctx)
	require.NoError(t, err)
	assert.True(t, containsJob(inProgress, id))

	now := time.Now().UTC()
	completed := StatusCompleted
	_, err = s.Update(ctx, id, Update{Status: &completed, CompletedAt: &now})
	require.NoError(t, err)

	inProgress, err = s.ListInProgress(ctx)
	require.NoError(t, err)
	assert.False(t, containsJob(inProgress, id))

	list, _, err := s.ListCompleted(ctx, 100, "")
	require.NoError(t, err)
	assert.True(t, containsJob(list, id))

	_, err = s.Update(ctx, prefix+"missing", SetStatus(StatusFailed))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func runCompletionStoreContract(t *testing.T, s CompletionStore, prefix string) {
	ctx := context.Background()
	id := prefix + "job-c"
	require.NoError(t, s.DeleteByJob(ctx, id))

	for _, idx := range []int{1, 0, 1} {
		require.NoError(t, s.Put(ctx, SegmentCompletion{JobID: id, SegmentIndex: idx, OutputLocation: "mem://out/x"}))
	}
	list, err := s.QueryByJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].SegmentIndex)
	assert.Equal(t, 1, list[1].SegmentIndex)

	require.NoError(t, s.DeleteByJob(ctx, id))
	list, err = s.QueryByJob(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func runLockContract(t *testing.T, l Lock, prefix string) {
	ctx := context.Background()
	id := prefix + "job-l"
	require.NoError(t, l.Delete(ctx, id))

	ok, err := l.TryCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryCreate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.TrySetIfAbsent(ctx, id, FieldReassemblyStartedAt, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TrySetIfAbsent(ctx, id, FieldReassemblyStartedAt, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.ReassemblyStartedAt)

	time.Sleep(20 * time.Millisecond)
	held := *rec.ReassemblyStartedAt
	renewed, ok, err := l.Renew(ctx, id, FieldReassemblyStartedAt, held)
	require.NoError(t, err)
	require.True(t, ok, "holder can renew its claim")
	assert.True(t, renewed.After(held))
	ok, err = l.TrySetIfAbsent(ctx, id, FieldReassemblyStartedAt, 15*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "renewed claim is not stale")
	_, ok, err = l.Renew(ctx, id, FieldReassemblyStartedAt, held)
	require.NoError(t, err)
	assert.False(t, ok, "outdated token cannot renew")

	time.Sleep(20 * time.Millisecond)
	ok, err = l.TrySetIfAbsent(ctx, id, FieldReassemblyStartedAt, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim can be taken over")
	_, ok, err = l.Renew(ctx, id, FieldReassemblyStartedAt, renewed)
	require.NoError(t, err)
	assert.False(t, ok, "previous holder loses the claim after takeover")

	require.NoError(t, l.ClearField(ctx, id, FieldReassemblyStartedAt))
	ok, err = l.TrySetIfAbsent(ctx, id, FieldReassemblyStartedAt, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.TrySetIfAbsent(ctx, id, "other", 0)
	assert.ErrorIs(t, err, ErrUnknownLockField)

	require.NoError(t, l.Delete(ctx, id))
	rec, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
	ok, err = l.TryCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func runLockRace(t *testing.T, l Lock, prefix string) {
	ctx := context.Background()
	id := prefix + "job-race"
	require.NoError(t, l.Delete(ctx, id))

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryCreate(ctx, id)
			if err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners)
}

func runInvocationStoreContract(t *testing.T, s InvocationStore, prefix string) {
	ctx := context.Background()
	loc := "mem://out/" + prefix + "jobs/J/segments/0"

	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, Invocation{OutputLocation: loc, JobID: "J", SegmentIndex: 0, TotalSegments: 2}))
	got, err = s.Get(ctx, loc)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "J", got.JobID)

	deleted, err := s.Delete(ctx, loc)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, loc)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func containsJob(list []*Job, id string) bool {
	for _, j := range list {
		if j.JobID == id {
			return true
		}
	}
	return false
}
