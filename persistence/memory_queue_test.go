package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

func testPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
}

func newFrozenQueue(t *testing.T) (*MemoryQueue, time.Time) {
	t.Helper()
	q := NewMemoryQueue(testPolicy(), nil)
	frozen := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return frozen }
	return q, frozen
}

func request(id, ticketID string) *workflow.AgentExecutionRequest {
	return &workflow.AgentExecutionRequest{ID: id, TicketID: ticketID, WorkflowType: "ticket_pipeline"}
}

func suspension(ticketID string) *workflow.SuspendedWorkflow {
	return &workflow.SuspendedWorkflow{
		TicketID:     ticketID,
		WorkflowType: "ticket_pipeline",
		AgentName:    "planner",
		CheckpointID: "cp-" + ticketID,
	}
}

func TestMemoryQueue_EnqueueRejectsActiveTicket(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, request("r-1", "t-1")))

	err := q.Enqueue(ctx, request("r-2", "t-1"))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrExecutionActive))

	// A suspended workflow blocks new triggers just the same.
	require.NoError(t, q.Suspend(ctx, suspension("t-2")))
	err = q.Enqueue(ctx, request("r-3", "t-2"))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrExecutionActive))
}

func TestMemoryQueue_PendingExecutionsClaims(t *testing.T) {
	t.Parallel()

	q, frozen := newFrozenQueue(t)
	ctx := context.Background()

	older := request("r-1", "t-1")
	older.CreatedAt = frozen.Add(-time.Minute)
	require.NoError(t, q.Enqueue(ctx, older))
	require.NoError(t, q.Enqueue(ctx, request("r-2", "t-2")))

	batch, err := q.PendingExecutions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "r-1", batch[0].ID, "oldest first")

	// The claimed request is invisible to further polls.
	batch2, err := q.PendingExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch2, 1)
	assert.Equal(t, "r-2", batch2[0].ID)

	batch3, err := q.PendingExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch3)
}

func TestMemoryQueue_ScheduleRetryBacksOff(t *testing.T) {
	t.Parallel()

	q, frozen := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, request("r-1", "t-1")))
	_, err := q.PendingExecutions(ctx, 1)
	require.NoError(t, err)

	scheduled, err := q.ScheduleRetry(ctx, "r-1", errors.New("provider timeout"))
	require.NoError(t, err)
	assert.True(t, scheduled)

	// Not yet due: still frozen at the failure time.
	batch, err := q.PendingExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// Due once the clock passes the backoff.
	q.now = func() time.Time { return frozen.Add(31 * time.Second) }
	batch, err = q.PendingExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)
	assert.Equal(t, "provider timeout", batch[0].LastError)
}

func TestMemoryQueue_ScheduleRetryExhausts(t *testing.T) {
	t.Parallel()

	q, frozen := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, request("r-1", "t-1")))

	cause := errors.New("still down")
	for attempt := 1; attempt < 3; attempt++ {
		q.now = func() time.Time { return frozen.Add(time.Duration(attempt) * time.Hour) }
		_, err := q.PendingExecutions(ctx, 1)
		require.NoError(t, err)
		scheduled, err := q.ScheduleRetry(ctx, "r-1", cause)
		require.NoError(t, err)
		assert.True(t, scheduled, "attempt %d", attempt)
	}

	q.now = func() time.Time { return frozen.Add(24 * time.Hour) }
	_, err := q.PendingExecutions(ctx, 1)
	require.NoError(t, err)
	scheduled, err := q.ScheduleRetry(ctx, "r-1", cause)
	require.NoError(t, err)
	assert.False(t, scheduled, "third failure exhausts the policy")

	pending, _ := q.Depths()
	assert.Equal(t, 0, pending)

	// The ticket is free again after the permanent failure.
	require.NoError(t, q.Enqueue(ctx, request("r-2", "t-1")))
}

func TestMemoryQueue_ScheduleRetryUnknownRequest(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	_, err := q.ScheduleRetry(context.Background(), "nope", errors.New("x"))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrExecutionNotFound))
}

func TestMemoryQueue_MarkExecutionCompletedStoresResult(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, request("r-1", "t-1")))
	res := &workflow.ExecutionResult{TicketID: "t-1", Graph: "ticket_pipeline"}
	require.NoError(t, q.MarkExecutionCompleted(ctx, "r-1", res))

	stored, ok := q.Result("r-1")
	require.True(t, ok)
	assert.Equal(t, "t-1", stored.TicketID)

	pending, _ := q.Depths()
	assert.Equal(t, 0, pending)
	require.NoError(t, q.Enqueue(ctx, request("r-2", "t-1")))
}

func TestMemoryQueue_SuspendReplacesPending(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, request("r-1", "t-1")))
	require.NoError(t, q.Suspend(ctx, suspension("t-1")))

	pending, suspended := q.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, suspended)
}

func TestMemoryQueue_ResumeEventLifecycle(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	// No suspended row yet.
	err := q.AttachResumeEvent(ctx, "t-1", "plan_reviewed", nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrWorkflowNotSuspended))

	require.NoError(t, q.Suspend(ctx, suspension("t-1")))

	// Without an event the row is not eligible.
	batch, err := q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, q.AttachResumeEvent(ctx, "t-1", "plan_reviewed",
		map[string]any{"plan_approved": true}))

	batch, err = q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "plan_reviewed", batch[0].EventType)
	assert.Equal(t, true, batch[0].EventPayload["plan_approved"])

	// Claimed rows are not handed out twice.
	batch, err = q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, q.MarkWorkflowResumed(ctx, "t-1"))
	_, suspended := q.Depths()
	assert.Equal(t, 0, suspended)
}

func TestMemoryQueue_ClearResumeEventKeepsSuspension(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Suspend(ctx, suspension("t-1")))
	require.NoError(t, q.AttachResumeEvent(ctx, "t-1", "wrong_event", nil))

	_, err := q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.ClearResumeEvent(ctx, "t-1", errors.New("event rejected")))

	// Still parked, but no longer eligible until a new event arrives.
	batch, err := q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	_, suspended := q.Depths()
	assert.Equal(t, 1, suspended)

	require.NoError(t, q.AttachResumeEvent(ctx, "t-1", "plan_reviewed", nil))
	batch, err = q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMemoryQueue_ScheduleResumeRetry(t *testing.T) {
	t.Parallel()

	q, frozen := newFrozenQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Suspend(ctx, suspension("t-1")))
	require.NoError(t, q.AttachResumeEvent(ctx, "t-1", "plan_reviewed", nil))

	cause := errors.New("checkpoint store flaked")
	scheduled, err := q.ScheduleResumeRetry(ctx, "t-1", cause)
	require.NoError(t, err)
	assert.True(t, scheduled)

	// Backed off: not eligible until the retry time passes.
	batch, err := q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	q.now = func() time.Time { return frozen.Add(31 * time.Second) }
	batch, err = q.SuspendedWithEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].ResumeCount)

	// Exhaustion abandons the suspension.
	for i := 0; i < 2; i++ {
		scheduled, err = q.ScheduleResumeRetry(ctx, "t-1", cause)
		require.NoError(t, err)
	}
	assert.False(t, scheduled)
	_, suspended := q.Depths()
	assert.Equal(t, 0, suspended)
}

func TestMemoryQueue_MarkWorkflowResumeFailed(t *testing.T) {
	t.Parallel()

	q, _ := newFrozenQueue(t)
	ctx := context.Background()

	err := q.MarkWorkflowResumeFailed(ctx, "t-1", errors.New("x"))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrWorkflowNotSuspended))

	require.NoError(t, q.Suspend(ctx, suspension("t-1")))
	require.NoError(t, q.MarkWorkflowResumeFailed(ctx, "t-1", errors.New("unrecoverable")))
	_, suspended := q.Depths()
	assert.Equal(t, 0, suspended)
}
