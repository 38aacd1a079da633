package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/persistence"
	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// behaviorAgent is a test double whose behavior is set per test.
type behaviorAgent struct {
	name  string
	calls atomic.Int32
	run   func(ctx context.Context, ec *agent.Context) (*agent.Result, error)
}

func (a *behaviorAgent) Name() string        { return a.name }
func (a *behaviorAgent) Description() string { return "test double" }

func (a *behaviorAgent) Execute(ctx context.Context, ec *agent.Context) (*agent.Result, error) {
	a.calls.Add(1)
	if a.run != nil {
		return a.run(ctx, ec)
	}
	return agent.Completed(map[string]any{a.name + "_done": true}), nil
}

func newTestExecutor(t *testing.T, agents ...*behaviorAgent) (*workflow.Executor, *agent.Registry, *persistence.MemoryCheckpointStore) {
	t.Helper()
	registry := agent.NewRegistry(zaptest.NewLogger(t))
	for _, a := range agents {
		require.NoError(t, registry.Register(a))
	}
	checkpoints := persistence.NewMemoryCheckpointStore()
	return workflow.NewExecutor(registry, checkpoints, zaptest.NewLogger(t)), registry, checkpoints
}

func TestExecutor_LinearWalkCompletes(t *testing.T) {
	t.Parallel()

	first := &behaviorAgent{name: "first"}
	second := &behaviorAgent{name: "second"}
	exec, registry, _ := newTestExecutor(t, first, second)

	g, err := workflow.NewBuilder("linear", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("a", "first").
		AddNode("b", "second").
		AddEdge("start", "a").
		AddEdge("a", "b").
		AddEdge("b", "end").
		Build()
	require.NoError(t, err)

	ec := agent.NewContext("t-1", "acme", "acme/api")
	res, err := exec.Execute(context.Background(), g, ec)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, agent.StatusCompleted, ec.Status)
	assert.Equal(t, true, ec.State["first_done"])
	assert.Equal(t, true, ec.State["second_done"])
	require.Len(t, res.Records, 2)
	assert.Equal(t, "a", res.Records[0].NodeID)
	assert.Equal(t, "b", res.Records[1].NodeID)
	assert.EqualValues(t, 1, first.calls.Load())
	assert.EqualValues(t, 1, second.calls.Load())
}

func TestExecutor_CheckpointSuspendsAndResumes(t *testing.T) {
	t.Parallel()

	before := &behaviorAgent{name: "before"}
	after := &behaviorAgent{name: "after", run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
		// State from before the suspension must be visible after resume.
		if done, _ := ec.State["before_done"].(bool); !done {
			return agent.Failed("lost state across suspension"), nil
		}
		return agent.Completed(map[string]any{"after_done": true}), nil
	}}
	exec, registry, checkpoints := newTestExecutor(t, before, after)

	g, err := workflow.NewBuilder("suspend", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("a", "before").
		AddNode("b", "after").
		AddCheckpoint("wait", "waiting for a human", "b").
		AddEdge("start", "a").
		AddEdge("a", "wait").
		AddEdge("b", "end").
		Build()
	require.NoError(t, err)

	ec := agent.NewContext("t-2", "acme", "acme/api")
	res, err := exec.Execute(context.Background(), g, ec)
	require.NoError(t, err)

	require.Equal(t, agent.StatusSuspended, res.Status)
	require.NotEmpty(t, res.CheckpointID)
	assert.Equal(t, "before", res.WaitingAgent)

	cp, err := checkpoints.Load(context.Background(), res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "wait", cp.NodeID)
	assert.Equal(t, "b", cp.NextNode)
	assert.False(t, cp.Consumed)

	// Resume with a fresh context, as the orchestrator would after a restart.
	resumed := agent.NewContext("t-2", "acme", "acme/api")
	msg := &workflow.ResumeMessage{
		Event:  "human_approved",
		Ticket: "t-2",
		Data:   map[string]any{"approved_by": "reviewer"},
	}
	res2, err := exec.Resume(context.Background(), g, cp, resumed, msg)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, res2.Status)
	assert.Equal(t, true, resumed.State["after_done"])
	assert.Equal(t, "human_approved", resumed.State[workflow.KeyResumeEvent])
	assert.Equal(t, "reviewer", resumed.State["approved_by"])
	assert.EqualValues(t, 1, before.calls.Load(), "agents before the checkpoint must not rerun")
}

func TestExecutor_ResumeRejectsConsumedCheckpoint(t *testing.T) {
	t.Parallel()

	exec, registry, _ := newTestExecutor(t, &behaviorAgent{name: "noop"})

	g, err := workflow.NewBuilder("consumed", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("a", "noop").
		AddEdge("start", "a").
		AddEdge("a", "end").
		Build()
	require.NoError(t, err)

	cp, err := agent.NewCheckpoint("t-3", "noop", "wait", "a", nil)
	require.NoError(t, err)
	cp.Consumed = true

	_, err = exec.Resume(context.Background(), g, cp, agent.NewContext("t-3", "", ""), &workflow.ResumeMessage{Event: "e", Ticket: "t-3"})
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCheckpointConsumed))
}

func TestExecutor_DecisionRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		approved any
		wantNode string
	}{
		{"approved goes forward", true, "approved_path"},
		{"rejected takes the default", false, "rejected_path"},
		{"missing key takes the default", nil, "rejected_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			visited := ""
			mark := func(node string) func(context.Context, *agent.Context) (*agent.Result, error) {
				return func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
					visited = node
					return agent.Completed(nil), nil
				}
			}
			approve := &behaviorAgent{name: "approve", run: mark("approved_path")}
			reject := &behaviorAgent{name: "reject", run: mark("rejected_path")}
			exec, registry, _ := newTestExecutor(t, approve, reject)

			g, err := workflow.NewBuilder("decide", registry).
				AddStart("start").
				AddEnd("end").
				AddNode("approved_path", "approve").
				AddNode("rejected_path", "reject").
				AddDecision("gate", []workflow.Route{
					{Condition: workflow.StateTrue("approved"), Target: "approved_path", Label: "approved"},
					{Target: "rejected_path", Label: "rejected"},
				}).
				AddEdge("start", "gate").
				AddEdge("approved_path", "end").
				AddEdge("rejected_path", "end").
				Build()
			require.NoError(t, err)

			ec := agent.NewContext("t-4", "", "")
			if tt.approved != nil {
				ec.State["approved"] = tt.approved
			}
			res, err := exec.Execute(context.Background(), g, ec)
			require.NoError(t, err)
			assert.Equal(t, agent.StatusCompleted, res.Status)
			assert.Equal(t, tt.wantNode, visited)
		})
	}
}

func TestExecutor_UnroutableDecisionFailsWalk(t *testing.T) {
	t.Parallel()

	a := &behaviorAgent{name: "a"}
	exec, registry, _ := newTestExecutor(t, a)

	g, err := workflow.NewBuilder("unroutable", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "a").
		AddDecision("gate", []workflow.Route{
			{Condition: workflow.StateTrue("never_set"), Target: "n"},
		}).
		AddEdge("start", "gate").
		AddEdge("n", "end").
		Build()
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), g, agent.NewContext("t-5", "", ""))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrUnroutableDecision))
}

func TestExecutor_AgentFailureReturnsFailedResult(t *testing.T) {
	t.Parallel()

	failing := &behaviorAgent{name: "failing", run: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
		return agent.Failed("upstream API is down", "HTTP 503"), nil
	}}
	exec, registry, _ := newTestExecutor(t, failing)

	g, err := workflow.NewBuilder("fail", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "failing").
		AddEdge("start", "n").
		AddEdge("n", "end").
		Build()
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), g, agent.NewContext("t-6", "", ""))
	require.NoError(t, err, "agent failures are a result, not a walk error")
	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Equal(t, "n", res.FailedNode)
	assert.Equal(t, "upstream API is down", res.Error)
}

func TestExecutor_AgentErrorFoldsIntoFailedResult(t *testing.T) {
	t.Parallel()

	broken := &behaviorAgent{name: "broken", run: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
		return nil, errors.New("panic-adjacent failure")
	}}
	exec, registry, _ := newTestExecutor(t, broken)

	g, err := workflow.NewBuilder("errfold", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "broken").
		AddEdge("start", "n").
		AddEdge("n", "end").
		Build()
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), g, agent.NewContext("t-7", "", ""))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Equal(t, "panic-adjacent failure", res.Error)
}

func TestExecutor_PendingAgentSuspendsAtSameNode(t *testing.T) {
	t.Parallel()

	waiter := &behaviorAgent{name: "waiter", run: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
		return agent.Pending(), nil
	}}
	exec, registry, checkpoints := newTestExecutor(t, waiter)

	g, err := workflow.NewBuilder("pending", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "waiter").
		AddEdge("start", "n").
		AddEdge("n", "end").
		Build()
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), g, agent.NewContext("t-8", "", ""))
	require.NoError(t, err)
	require.Equal(t, agent.StatusSuspended, res.Status)
	assert.Equal(t, "waiter", res.WaitingAgent)

	cp, err := checkpoints.Load(context.Background(), res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "n", cp.NodeID)
	assert.Equal(t, "n", cp.NextNode, "a self-suspending agent resumes at its own node")
}

func TestExecutor_ParallelGroupMergesAfterJoin(t *testing.T) {
	t.Parallel()

	left := &behaviorAgent{name: "left"}
	right := &behaviorAgent{name: "right"}
	join := &behaviorAgent{name: "join", run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
		l, _ := ec.State["left_done"].(bool)
		r, _ := ec.State["right_done"].(bool)
		if !l || !r {
			return agent.Failed("join ran before both members finished"), nil
		}
		return agent.Completed(map[string]any{"joined": true}), nil
	}}
	exec, registry, _ := newTestExecutor(t, left, right, join)

	g, err := workflow.NewBuilder("parallel", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("l", "left").
		AddNode("r", "right").
		AddNode("j", "join").
		AddParallelGroup("group", []string{"l", "r"}, "j").
		AddEdge("start", "group").
		AddEdge("j", "end").
		Build()
	require.NoError(t, err)

	ec := agent.NewContext("t-9", "", "")
	res, err := exec.Execute(context.Background(), g, ec)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, true, ec.State["joined"])
	require.Len(t, res.Records, 3)
}

func TestExecutor_ParallelMemberFailureSkipsJoin(t *testing.T) {
	t.Parallel()

	ok := &behaviorAgent{name: "ok"}
	bad := &behaviorAgent{name: "bad", run: func(_ context.Context, _ *agent.Context) (*agent.Result, error) {
		return agent.Failed("member exploded"), nil
	}}
	join := &behaviorAgent{name: "join"}
	exec, registry, _ := newTestExecutor(t, ok, bad, join)

	g, err := workflow.NewBuilder("parallel_fail", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("l", "ok").
		AddNode("r", "bad").
		AddNode("j", "join").
		AddParallelGroup("group", []string{"l", "r"}, "j").
		AddEdge("start", "group").
		AddEdge("j", "end").
		Build()
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), g, agent.NewContext("t-10", "", ""))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Equal(t, "r", res.FailedNode)
	assert.Equal(t, "member exploded", res.Error)
	assert.EqualValues(t, 0, join.calls.Load(), "join must not run after a member failure")
}

func TestExecutor_CycleExceedsStepBudget(t *testing.T) {
	t.Parallel()

	loop := &behaviorAgent{name: "loop"}
	exec, registry, _ := newTestExecutor(t, loop)
	exec = exec.WithMaxSteps(10)

	g, err := workflow.NewBuilder("cycle", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "loop").
		AddDecision("again", []workflow.Route{{Target: "n"}}).
		AddEdge("start", "n").
		AddEdge("n", "again").
		Build()
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), g, agent.NewContext("t-11", "", ""))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrInvalidGraph))
}

func TestExecutor_NodeWithoutEdgesIsStructuralError(t *testing.T) {
	t.Parallel()

	a := &behaviorAgent{name: "a"}
	exec, registry, _ := newTestExecutor(t, a)

	g, err := workflow.NewBuilder("deadend", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("n", "a").
		AddEdge("start", "n").
		Build()
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), g, agent.NewContext("t-12", "", ""))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrDanglingNode))
}
