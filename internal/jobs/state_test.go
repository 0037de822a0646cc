package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusCreated, StatusIngesting},
		{StatusIngesting, StatusCreated},
		{StatusCreated, StatusChunkingInProgress},
		{StatusChunkingInProgress, StatusCreated},
		{StatusChunkingInProgress, StatusChunkingComplete},
		{StatusChunkingComplete, StatusReassembling},
		{StatusChunkingComplete, StatusCompleted},
		{StatusReassembling, StatusCompleted},
		{StatusIngesting, StatusFailed},
		{StatusChunkingInProgress, StatusFailed},
		{StatusChunkingComplete, StatusFailed},
		{StatusReassembling, StatusFailed},
		{StatusCompleted, StatusDeleted},
		{StatusFailed, StatusDeleted},
		{StatusCompleted, StatusCompleted},
		{StatusDeleted, StatusDeleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusCreated, StatusDeleted},
		{StatusCreated, StatusFailed},
		{StatusChunkingComplete, StatusDeleted},
		{StatusCompleted, StatusReassembling},
		{StatusFailed, StatusChunkingInProgress},
		{StatusDeleted, StatusCreated},
		{StatusReassembling, StatusChunkingComplete},
		{Status("bogus"), Status("bogus")},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestDeletable(t *testing.T) {
	assert.True(t, Deletable(StatusCompleted))
	assert.True(t, Deletable(StatusFailed))
	assert.True(t, Deletable(StatusDeleted))
	assert.False(t, Deletable(StatusReassembling))
}

func TestApplyFail(t *testing.T) {
	job := &Job{JobID: "J", Status: StatusChunkingComplete, Error: nil}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Apply(job, Fail("INFERENCE_FAILED", "boom", StatusChunkingComplete), now))
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "INFERENCE_FAILED", job.Error.Code)
	assert.Equal(t, now, job.UpdatedAt)
}

func TestApplyConflictLeavesJobUntouched(t *testing.T) {
	job := &Job{JobID: "J", Status: StatusDeleted}
	err := Apply(job, Fail("X", "y", StatusChunkingComplete), time.Now())
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.Equal(t, StatusDeleted, job.Status)
	assert.Nil(t, job.Error)
}

func TestApplyRejectsNonPositiveTotal(t *testing.T) {
	zero := 0
	job := &Job{JobID: "J", Status: StatusChunkingInProgress}
	assert.Error(t, Apply(job, Update{TotalSegments: &zero}, time.Now()))
	assert.Nil(t, job.TotalSegments)
}

func TestChangeCodec(t *testing.T) {
	body, err := EncodeChange(Change{JobID: "J", SegmentIndex: 3})
	require.NoError(t, err)
	c, err := DecodeChange(body)
	require.NoError(t, err)
	assert.Equal(t, Change{JobID: "J", SegmentIndex: 3}, c)

	_, err = DecodeChange([]byte(`{"segment_index":1}`))
	assert.Error(t, err)
}
