package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/types"
)

// defaultMaxSteps bounds a single walk so a decision cycle that never
// converges (e.g. plan rejected forever) surfaces as an error instead of
// spinning.
const defaultMaxSteps = 256

// Executor walks a workflow graph from a node, invoking agents, evaluating
// edge and decision predicates, fanning out parallel groups, and persisting
// checkpoints at suspension points.
//
// An Executor holds no per-execution state: everything lives in the
// agent.Context and the returned ExecutionResult, so one Executor serves any
// number of concurrent executions and nothing survives a suspension.
type Executor struct {
	registry    *agent.Registry
	checkpoints agent.CheckpointStore
	logger      *zap.Logger
	tracer      trace.Tracer
	maxSteps    int
}

// NewExecutor creates a graph executor.
func NewExecutor(registry *agent.Registry, checkpoints agent.CheckpointStore, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:    registry,
		checkpoints: checkpoints,
		logger:      logger.With(zap.String("component", "graph_executor")),
		tracer:      otel.Tracer("github.com/mikaelliljedahl/prfactory/workflow"),
		maxSteps:    defaultMaxSteps,
	}
}

// WithMaxSteps overrides the per-walk node visit budget.
func (e *Executor) WithMaxSteps(n int) *Executor {
	if n > 0 {
		e.maxSteps = n
	}
	return e
}

// Execute walks the graph from its entry node.
//
// A non-nil error reports a structural or infrastructure problem (unknown
// node, unroutable decision, checkpoint store failure); agent failures are
// reported through the result's failed status so the orchestrator can apply
// the retry policy.
func (e *Executor) Execute(ctx context.Context, g *Graph, ec *agent.Context) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.graph", g.Name()),
			attribute.String("workflow.ticket_id", ec.TicketID),
		))
	defer span.End()

	res, err := e.walk(ctx, g, ec, g.Entry())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// Resume continues a suspended walk from the checkpoint's recorded next node.
// The caller has already validated the resume message against the waiting
// agent; Resume rehydrates the context state, records the event under the
// resume keys, and walks on.
func (e *Executor) Resume(ctx context.Context, g *Graph, cp *agent.Checkpoint, ec *agent.Context, msg Message) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.resume",
		trace.WithAttributes(
			attribute.String("workflow.graph", g.Name()),
			attribute.String("workflow.ticket_id", ec.TicketID),
			attribute.String("workflow.checkpoint_id", cp.ID),
		))
	defer span.End()

	if cp.Consumed {
		err := types.Errorf(types.ErrCheckpointConsumed, "checkpoint %s already consumed", cp.ID)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	state, err := cp.RestoreState()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ec.State = state
	// The event payload is merged top-level (last writer wins) so edge and
	// decision predicates can read it like any other state key.
	ec.MergeOutput(msg.Payload())
	ec.State[KeyResumeEvent] = msg.EventType()
	ec.State[KeyResumePayload] = msg.Payload()
	ec.Status = agent.StatusRunning
	ec.Checkpoint = nil

	e.logger.Info("resuming workflow",
		zap.String("ticket_id", ec.TicketID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("next_node", cp.NextNode),
		zap.String("event", msg.EventType()),
	)

	res, err := e.walk(ctx, g, ec, cp.NextNode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// walk traverses the graph from the given node until it completes, fails,
// suspends, or hits a structural error.
func (e *Executor) walk(ctx context.Context, g *Graph, ec *agent.Context, start string) (*ExecutionResult, error) {
	res := &ExecutionResult{
		TicketID:  ec.TicketID,
		Graph:     g.Name(),
		StartedAt: time.Now().UTC(),
	}
	finish := func(status agent.Status) *ExecutionResult {
		ec.Status = status
		res.Status = status
		res.FinishedAt = time.Now().UTC()
		return res
	}

	cur := start
	lastAgent := ""
	for steps := 0; ; steps++ {
		if steps >= e.maxSteps {
			return nil, types.Errorf(types.ErrInvalidGraph,
				"walk exceeded %d steps in graph %q; likely a non-converging cycle", e.maxSteps, g.Name())
		}

		node, ok := g.Node(cur)
		if !ok {
			return nil, types.Errorf(types.ErrDanglingNode, "node %q does not exist in graph %q", cur, g.Name())
		}

		switch node.Type {
		case NodeStart:
			// Pass-through.

		case NodeEnd:
			e.logger.Info("workflow completed",
				zap.String("ticket_id", ec.TicketID),
				zap.String("graph", g.Name()),
				zap.Int("nodes_visited", len(res.Records)),
			)
			return finish(agent.StatusCompleted), nil

		case NodeAgent:
			rec, result, err := e.invokeAgent(ctx, node, ec)
			res.Records = append(res.Records, rec)
			if err != nil {
				return nil, err
			}
			lastAgent = node.AgentName

			switch result.Status {
			case agent.ResultPending:
				// The agent suspended itself. Persist the checkpoint it
				// left in the context slot, or synthesize one that resumes
				// at this same node.
				cp := ec.Checkpoint
				if cp == nil {
					var cperr error
					cp, cperr = agent.NewCheckpoint(ec.TicketID, node.AgentName, node.ID, node.ID, ec.State)
					if cperr != nil {
						return nil, cperr
					}
				}
				if err := e.checkpoints.Save(ctx, cp); err != nil {
					return nil, types.Errorf(types.ErrInternalError,
						"failed to persist checkpoint at node %q", node.ID).WithCause(err).WithRetryable(true)
				}
				ec.Checkpoint = cp
				res.CheckpointID = cp.ID
				res.WaitingAgent = cp.AgentName
				e.logger.Info("workflow suspended by agent",
					zap.String("ticket_id", ec.TicketID),
					zap.String("node", node.ID),
					zap.String("agent", node.AgentName),
					zap.String("checkpoint_id", cp.ID),
				)
				return finish(agent.StatusSuspended), nil

			case agent.ResultFailed:
				res.FailedNode = node.ID
				res.Error = result.Error
				e.logger.Warn("agent failed",
					zap.String("ticket_id", ec.TicketID),
					zap.String("node", node.ID),
					zap.String("agent", node.AgentName),
					zap.String("error", result.Error),
				)
				return finish(agent.StatusFailed), nil

			default:
				ec.MergeOutput(result.Output)
			}

		case NodeDecision:
			target, err := e.route(node, ec)
			if err != nil {
				return nil, err
			}
			cur = target
			continue

		case NodeParallelGroup:
			rec, failed, err := e.runParallel(ctx, g, node, ec)
			res.Records = append(res.Records, rec...)
			if err != nil {
				return nil, err
			}
			if failed != nil {
				res.FailedNode = failed.NodeID
				res.Error = failed.Error
				return finish(agent.StatusFailed), nil
			}
			cur = node.JoinID
			continue

		case NodeCheckpoint:
			waiting := lastAgent
			if waiting == "" {
				waiting = node.ID
			}
			cp, err := agent.NewCheckpoint(ec.TicketID, waiting, node.ID, node.NextNode, ec.State)
			if err != nil {
				return nil, err
			}
			if err := e.checkpoints.Save(ctx, cp); err != nil {
				return nil, types.Errorf(types.ErrInternalError,
					"failed to persist checkpoint at node %q", node.ID).WithCause(err).WithRetryable(true)
			}
			ec.Checkpoint = cp
			res.CheckpointID = cp.ID
			res.WaitingAgent = cp.AgentName
			e.logger.Info("workflow suspended at checkpoint",
				zap.String("ticket_id", ec.TicketID),
				zap.String("node", node.ID),
				zap.String("checkpoint_id", cp.ID),
				zap.String("next_node", cp.NextNode),
			)
			return finish(agent.StatusSuspended), nil

		default:
			return nil, types.Errorf(types.ErrInvalidGraph, "unknown node type %q", node.Type)
		}

		next, done, err := e.advance(g, node.ID, ec)
		if err != nil {
			return nil, err
		}
		if done {
			return finish(agent.StatusCompleted), nil
		}
		cur = next
	}
}

// advance picks the next node: outgoing edges are evaluated in insertion
// order and the first whose predicate is absent or true is followed. A node
// with no way forward is a structural error unless it is the exit node.
func (e *Executor) advance(g *Graph, from string, ec *agent.Context) (string, bool, error) {
	edges := g.OutgoingEdges(from)
	if len(edges) == 0 {
		if from == g.Exit() {
			return "", true, nil
		}
		return "", false, types.Errorf(types.ErrDanglingNode,
			"node %q has no outgoing edges and is not the exit", from)
	}
	snap := ec.Snapshot()
	for _, edge := range edges {
		if edge.Condition == nil || edge.Condition(snap) {
			return edge.To, false, nil
		}
	}
	return "", false, types.Errorf(types.ErrDanglingNode,
		"no outgoing edge of node %q matched the current context", from)
}

// route evaluates a decision node's routes in order, first match wins.
func (e *Executor) route(node *Node, ec *agent.Context) (string, error) {
	snap := ec.Snapshot()
	for _, r := range node.Routes {
		if r.Condition == nil || r.Condition(snap) {
			e.logger.Debug("decision routed",
				zap.String("node", node.ID),
				zap.String("target", r.Target),
				zap.String("label", r.Label),
			)
			return r.Target, nil
		}
	}
	return "", types.Errorf(types.ErrUnroutableDecision,
		"no route of decision %q matched the current context", node.ID)
}

// invokeAgent runs one agent node. Agent errors are folded into a failed
// result; a non-nil error is reserved for structural problems (unresolvable
// agent name).
func (e *Executor) invokeAgent(ctx context.Context, node *Node, ec *agent.Context) (NodeRecord, *agent.Result, error) {
	rec := NodeRecord{NodeID: node.ID, AgentName: node.AgentName, StartedAt: time.Now().UTC()}

	a, err := e.registry.Resolve(node.AgentName)
	if err != nil {
		return rec, nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.node_id", node.ID),
			attribute.String("workflow.agent", node.AgentName),
		))
	defer span.End()

	result, execErr := a.Execute(ctx, ec)
	if execErr != nil {
		result = agent.Failed(execErr.Error())
		span.RecordError(execErr)
	}
	if result == nil {
		result = agent.Failed("agent returned no result")
	}

	rec.Status = result.Status
	rec.Error = result.Error
	rec.Duration = time.Since(rec.StartedAt)

	e.logger.Debug("agent executed",
		zap.String("node", node.ID),
		zap.String("agent", node.AgentName),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", rec.Duration),
	)
	return rec, result, nil
}

// runParallel executes every member of a parallel group concurrently and
// waits for all of them before the join node runs. Any member failure fails
// the whole group (fail-fast via context cancellation); partially completed
// side effects of other members are not rolled back.
//
// Member outputs are merged into the shared context only after every member
// has finished, so members never race on the State map; they must still
// return disjoint output keys.
func (e *Executor) runParallel(ctx context.Context, g *Graph, node *Node, ec *agent.Context) ([]NodeRecord, *NodeRecord, error) {
	eg, egctx := errgroup.WithContext(ctx)
	records := make([]NodeRecord, len(node.Members))
	results := make([]*agent.Result, len(node.Members))

	e.logger.Info("parallel group started",
		zap.String("group", node.ID),
		zap.Int("members", len(node.Members)),
	)

	for i, memberID := range node.Members {
		member, ok := g.Node(memberID)
		if !ok {
			return nil, nil, types.Errorf(types.ErrDanglingNode,
				"parallel group %q member %q does not exist", node.ID, memberID)
		}
		eg.Go(func() error {
			rec, result, err := e.invokeAgent(egctx, member, ec)
			records[i] = rec
			results[i] = result
			if err != nil {
				return err
			}
			if result.Status == agent.ResultPending {
				return types.Errorf(types.ErrInvalidGraph,
					"agent %q suspended inside parallel group %q; checkpoints are not allowed in groups",
					member.AgentName, node.ID)
			}
			if result.Status == agent.ResultFailed {
				// Returning an error cancels the sibling members (fail-fast).
				return &memberFailure{index: i, message: result.Error}
			}
			return nil
		})
	}

	err := eg.Wait()
	if err != nil {
		var mf *memberFailure
		if errors.As(err, &mf) {
			e.logger.Warn("parallel group failed",
				zap.String("group", node.ID),
				zap.String("member", records[mf.index].NodeID),
				zap.String("error", mf.message),
			)
			return records, &records[mf.index], nil
		}
		// Structural error: abort the walk.
		return records, nil, err
	}

	for i := range results {
		if results[i] != nil {
			ec.MergeOutput(results[i].Output)
		}
	}
	return records, nil, nil
}

// memberFailure carries the index of the parallel member whose agent failed,
// so the group failure is attributed to the culprit rather than a sibling
// that was cancelled by the fail-fast.
type memberFailure struct {
	index   int
	message string
}

func (f *memberFailure) Error() string { return f.message }
