package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/persistence"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

type orchHarness struct {
	orch        *workflow.Orchestrator
	queue       *persistence.MemoryQueue
	checkpoints *persistence.MemoryCheckpointStore
	tickets     *persistence.MemoryTicketRepository
}

// newOrchHarness wires an orchestrator over in-memory stores with the ticket
// pipeline registered and a ticket created, retrying near-instantly so tests
// can drain the queue with RunOnce.
func newOrchHarness(t *testing.T, ticketID string, runs map[string]func(context.Context, *agent.Context) (*agent.Result, error)) *orchHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	registry := pipelineAgents(t, runs)
	queue := persistence.NewMemoryQueue(workflow.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Nanosecond,
		MaxDelay:    time.Millisecond,
	}, logger)
	checkpoints := persistence.NewMemoryCheckpointStore()
	tickets := persistence.NewMemoryTicketRepository()

	require.NoError(t, tickets.Save(context.Background(),
		ticket.New(ticketID, "acme", "acme/api", "add rate limiting")))

	orch := workflow.NewOrchestrator(
		workflow.OrchestratorConfig{Workers: 1, PollInterval: time.Millisecond, BatchSize: 16},
		registry, queue, checkpoints, tickets,
		workflow.PipelineValidator(), logger, nil,
	)

	g, err := workflow.TicketPipeline(registry)
	require.NoError(t, err)
	orch.RegisterGraph("ticket_pipeline", g)

	return &orchHarness{orch: orch, queue: queue, checkpoints: checkpoints, tickets: tickets}
}

// drain runs poll cycles until a cycle processes nothing.
func (h *orchHarness) drain(ctx context.Context) int {
	total := 0
	for {
		n := h.orch.RunOnce(ctx)
		if n == 0 {
			return total
		}
		total += n
	}
}

func TestOrchestrator_TriggerRunsUntilSuspension(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, "t-200", map[string]func(context.Context, *agent.Context) (*agent.Result, error){
		workflow.AgentAnalyzer: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
			return agent.Completed(map[string]any{workflow.KeyNeedsAnswers: false}), nil
		},
	})
	ctx := context.Background()

	id, err := h.orch.Trigger(ctx, "t-200", "ticket_pipeline", "please add rate limiting")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// A second trigger for the same ticket is rejected while the first is live.
	_, err = h.orch.Trigger(ctx, "t-200", "ticket_pipeline", "again")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrExecutionActive))

	assert.Equal(t, 1, h.orch.RunOnce(ctx))

	pending, suspended := h.queue.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, suspended)

	// Still rejected: the workflow is parked at the plan review.
	_, err = h.orch.Trigger(ctx, "t-200", "ticket_pipeline", "again")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrExecutionActive))
}

func TestOrchestrator_ResumeEventCompletesWorkflow(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, "t-201", map[string]func(context.Context, *agent.Context) (*agent.Result, error){
		workflow.AgentAnalyzer: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
			return agent.Completed(map[string]any{workflow.KeyNeedsAnswers: false}), nil
		},
	})
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, "t-201", "ticket_pipeline", "")
	require.NoError(t, err)
	require.Equal(t, 1, h.orch.RunOnce(ctx))

	require.NoError(t, h.orch.HandleEvent(ctx, "t-201", workflow.EventPlanReviewed,
		map[string]any{workflow.KeyPlanApproved: true}))
	require.Equal(t, 1, h.orch.RunOnce(ctx))

	pending, suspended := h.queue.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, suspended)

	// The consumed checkpoint guards against replays.
	cp, err := h.checkpoints.LoadLatest(ctx, "t-201")
	require.NoError(t, err)
	assert.True(t, cp.Consumed)

	// Events after completion have nothing to resume.
	err = h.orch.HandleEvent(ctx, "t-201", workflow.EventPlanReviewed, nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrWorkflowNotSuspended))
}

func TestOrchestrator_RejectedEventKeepsWorkflowSuspended(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, "t-202", map[string]func(context.Context, *agent.Context) (*agent.Result, error){
		workflow.AgentAnalyzer: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
			return agent.Completed(map[string]any{workflow.KeyNeedsAnswers: false}), nil
		},
	})
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, "t-202", "ticket_pipeline", "")
	require.NoError(t, err)
	require.Equal(t, 1, h.orch.RunOnce(ctx))

	// The planner is waiting for a review; an answers event is not valid there.
	require.NoError(t, h.orch.HandleEvent(ctx, "t-202", workflow.EventAnswersPosted, nil))
	require.Equal(t, 1, h.orch.RunOnce(ctx))

	_, suspended := h.queue.Depths()
	assert.Equal(t, 1, suspended, "rejected events leave the workflow parked")

	// A correct event afterwards still resumes it.
	require.NoError(t, h.orch.HandleEvent(ctx, "t-202", workflow.EventPlanReviewed,
		map[string]any{workflow.KeyPlanApproved: true}))
	require.Equal(t, 1, h.orch.RunOnce(ctx))

	_, suspended = h.queue.Depths()
	assert.Equal(t, 0, suspended)
}

func TestOrchestrator_ExhaustedRetriesFailTheTicket(t *testing.T) {
	t.Parallel()

	attempts := 0
	h := newOrchHarness(t, "t-203", map[string]func(context.Context, *agent.Context) (*agent.Result, error){
		workflow.AgentAnalyzer: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
			attempts++
			return agent.Failed("analysis provider unavailable"), nil
		},
	})
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, "t-203", "ticket_pipeline", "")
	require.NoError(t, err)

	h.drain(ctx)

	assert.Equal(t, 3, attempts, "one attempt per allowed try")
	pending, suspended := h.queue.Depths()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, suspended)

	tk, err := h.tickets.Load(ctx, "t-203")
	require.NoError(t, err)
	assert.Equal(t, ticket.StateFailed, tk.State)
	require.NotEmpty(t, tk.History)
	assert.Equal(t, "analysis provider unavailable", tk.History[len(tk.History)-1].Reason)
}

func TestOrchestrator_TriggerValidation(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, "t-204", nil)
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, "t-204", "no_such_workflow", "")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrInvalidGraph))

	_, err = h.orch.Trigger(ctx, "t-999", "ticket_pipeline", "")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrTicketNotFound))
}

func TestOrchestrator_InitialMessageReachesAgents(t *testing.T) {
	t.Parallel()

	var seen string
	h := newOrchHarness(t, "t-205", map[string]func(context.Context, *agent.Context) (*agent.Result, error){
		workflow.AgentAnalyzer: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
			seen, _ = ec.State[workflow.KeyInitialMessage].(string)
			return agent.Completed(map[string]any{workflow.KeyNeedsAnswers: false}), nil
		},
	})
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, "t-205", "ticket_pipeline", "focus on the login path")
	require.NoError(t, err)
	require.Equal(t, 1, h.orch.RunOnce(ctx))
	assert.Equal(t, "focus on the login path", seen)
}
