package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Run("forward path is legal", func(t *testing.T) {
		assert.True(t, CanTransition(StatusPending, StatusQueued))
		assert.True(t, CanTransition(StatusQueued, StatusRunning))
		assert.True(t, CanTransition(StatusRunning, StatusCompleted))
		assert.True(t, CanTransition(StatusRunning, StatusFailed))
	})

	t.Run("cancelled reachable from any non-terminal state", func(t *testing.T) {
		assert.True(t, CanTransition(StatusPending, StatusCancelled))
		assert.True(t, CanTransition(StatusQueued, StatusCancelled))
		assert.True(t, CanTransition(StatusRunning, StatusCancelled))
	})

	t.Run("terminal states never transition", func(t *testing.T) {
		assert.False(t, CanTransition(StatusCompleted, StatusRunning))
		assert.False(t, CanTransition(StatusFailed, StatusCancelled))
		assert.False(t, CanTransition(StatusCancelled, StatusPending))
	})

	t.Run("regressions are rejected", func(t *testing.T) {
		assert.False(t, CanTransition(StatusRunning, StatusQueued))
		assert.False(t, CanTransition(StatusQueued, StatusPending))
	})

	t.Run("pending cannot jump straight to completed", func(t *testing.T) {
		assert.False(t, CanTransition(StatusPending, StatusCompleted))
	})
}

func TestCanonicalPrefix(t *testing.T) {
	t.Run("individual job", func(t *testing.T) {
		j := &JobRecord{ID: "job-1", UserID: "u1"}
		assert.Equal(t, "users/u1/jobs/job-1", j.CanonicalPrefix())
	})

	t.Run("batch parent", func(t *testing.T) {
		j := &JobRecord{ID: "batch-1", UserID: "u1", JobType: JobTypeBatchParent}
		assert.Equal(t, "users/u1/batches/batch-1", j.CanonicalPrefix())
	})

	t.Run("batch child", func(t *testing.T) {
		parent := "batch-1"
		j := &JobRecord{ID: "child-1", UserID: "u1", JobType: JobTypeBatchChild, BatchParentID: &parent}
		assert.Equal(t, "users/u1/batches/batch-1/jobs/child-1", j.CanonicalPrefix())
	})
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusPartiallyCompleted.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}
