/*
Package workflow implements the graph-based orchestration engine.

A Graph is built once through the fluent Builder — agent nodes, decision
nodes, parallel groups, and checkpoints connected by optionally conditioned
edges — and validated eagerly: unknown agents, dangling edges, and malformed
groups fail the build, never a walk.

The Executor walks a graph node by node, merging agent outputs into the
shared execution context. Checkpoints and self-suspending agents park the
walk: the context state is persisted and the walk ends with a suspended
result. Resume rehydrates the state from the checkpoint, folds the validated
event payload in, and continues from the recorded next node.

The Orchestrator sits on top: it owns the durable ExecutionQueue, polls for
due work and attached resume events, applies the exponential backoff retry
policy, and drives ticket state to failed when attempts are exhausted.

TicketPipeline wires the standard ticket-to-PR workflow out of these parts.
*/
package workflow
