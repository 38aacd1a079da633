package workflow

import (
	"go.uber.org/zap"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/types"
)

// Builder provides a fluent API for constructing workflow graphs. Structural
// errors (duplicate node IDs, unresolved agent names, edges referencing
// unknown nodes) are caught as the graph is declared; the first error is
// retained and surfaced by Build, so a bad graph can never reach execution.
type Builder struct {
	name     string
	registry *agent.Registry
	nodes    map[string]*Node
	edges    map[string][]Edge
	entry    string
	exit     string
	logger   *zap.Logger
	err      error
}

// NewBuilder creates a graph builder. Agent nodes are validated against the
// given registry at declaration time.
func NewBuilder(name string, registry *agent.Registry) *Builder {
	return &Builder{
		name:     name,
		registry: registry,
		nodes:    make(map[string]*Node),
		edges:    make(map[string][]Edge),
		logger:   zap.NewNop().With(zap.String("component", "graph_builder")),
	}
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger.With(zap.String("component", "graph_builder"))
	return b
}

func (b *Builder) fail(code types.ErrorCode, format string, args ...any) *Builder {
	if b.err == nil {
		b.err = types.Errorf(code, format, args...)
	}
	return b
}

func (b *Builder) addNode(n *Node) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.nodes[n.ID]; exists {
		return b.fail(types.ErrInvalidGraph, "node id %q already used", n.ID)
	}
	b.nodes[n.ID] = n
	return b
}

// AddStart adds a pass-through start node and marks it as the entry point.
func (b *Builder) AddStart(id string) *Builder {
	b.addNode(&Node{ID: id, Type: NodeStart})
	if b.err == nil {
		b.entry = id
	}
	return b
}

// AddEnd adds an end node and marks it as the exit point.
func (b *Builder) AddEnd(id string) *Builder {
	b.addNode(&Node{ID: id, Type: NodeEnd})
	if b.err == nil {
		b.exit = id
	}
	return b
}

// AddNode adds an agent node bound to a registered agent name. It fails if
// the id is already used or the agent name does not resolve in the registry.
func (b *Builder) AddNode(id, agentName string, description ...string) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := b.registry.TryResolve(agentName); !ok {
		return b.fail(types.ErrAgentNotFound,
			"node %q references unregistered agent %q", id, agentName)
	}
	n := &Node{ID: id, Type: NodeAgent, AgentName: agentName}
	if len(description) > 0 {
		n.Description = description[0]
	}
	return b.addNode(n)
}

// AddEdge adds an unconditional edge. Both endpoints must already exist.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.AddConditionalEdge(from, to, "", nil)
}

// AddConditionalEdge adds an edge followed only when cond evaluates true.
// Edges are evaluated in insertion order at traversal time.
func (b *Builder) AddConditionalEdge(from, to, label string, cond Condition) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.nodes[from]; !exists {
		return b.fail(types.ErrInvalidGraph, "edge source %q is not a known node", from)
	}
	if _, exists := b.nodes[to]; !exists {
		return b.fail(types.ErrInvalidGraph, "edge target %q is not a known node", to)
	}
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, Condition: cond, Label: label})
	return b
}

// SetEntryPoint marks an existing node as the graph entry.
func (b *Builder) SetEntryPoint(id string) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.nodes[id]; !exists {
		return b.fail(types.ErrInvalidGraph, "entry point %q is not a known node", id)
	}
	b.entry = id
	return b
}

// SetExitPoint marks an existing node as the graph exit.
func (b *Builder) SetExitPoint(id string) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.nodes[id]; !exists {
		return b.fail(types.ErrInvalidGraph, "exit point %q is not a known node", id)
	}
	b.exit = id
	return b
}

// AddDecision adds a decision node with ordered routes. Every route target
// must already exist; route conditions are evaluated in order at traversal
// time and the first match (nil condition included) is followed.
func (b *Builder) AddDecision(id string, routes []Route) *Builder {
	if b.err != nil {
		return b
	}
	if len(routes) == 0 {
		return b.fail(types.ErrInvalidGraph, "decision node %q has no routes", id)
	}
	for _, r := range routes {
		if _, exists := b.nodes[r.Target]; !exists {
			return b.fail(types.ErrInvalidGraph,
				"decision %q routes to unknown node %q", id, r.Target)
		}
	}
	return b.addNode(&Node{ID: id, Type: NodeDecision, Routes: routes})
}

// AddParallelGroup adds a fan-out node: every member runs concurrently, and
// the join node runs only after all members complete. Members and the join
// node must already exist, and members must be agent nodes.
func (b *Builder) AddParallelGroup(groupID string, members []string, joinID string) *Builder {
	if b.err != nil {
		return b
	}
	if len(members) == 0 {
		return b.fail(types.ErrInvalidGraph, "parallel group %q has no members", groupID)
	}
	for _, m := range members {
		n, exists := b.nodes[m]
		if !exists {
			return b.fail(types.ErrInvalidGraph,
				"parallel group %q member %q is not a known node", groupID, m)
		}
		if n.Type != NodeAgent {
			return b.fail(types.ErrInvalidGraph,
				"parallel group %q member %q must be an agent node", groupID, m)
		}
	}
	if _, exists := b.nodes[joinID]; !exists {
		return b.fail(types.ErrInvalidGraph,
			"parallel group %q join %q is not a known node", groupID, joinID)
	}
	return b.addNode(&Node{ID: groupID, Type: NodeParallelGroup, Members: members, JoinID: joinID})
}

// AddCheckpoint adds a suspension point. When traversal reaches it, the
// execution state is persisted and the workflow suspends; a matching resume
// event continues at nextID via the implicit on_approval edge.
func (b *Builder) AddCheckpoint(id, description, nextID string) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.nodes[nextID]; !exists {
		return b.fail(types.ErrInvalidGraph,
			"checkpoint %q continuation %q is not a known node", id, nextID)
	}
	b.addNode(&Node{ID: id, Type: NodeCheckpoint, Description: description, NextNode: nextID})
	if b.err != nil {
		return b
	}
	b.edges[id] = append(b.edges[id], Edge{From: id, To: nextID, Label: "on_approval"})
	return b
}

// Build validates the declared graph and returns an immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, types.NewError(types.ErrInvalidGraph, "graph has no nodes")
	}
	if b.entry == "" {
		return nil, types.NewError(types.ErrInvalidGraph, "entry point not set")
	}
	if b.exit == "" {
		return nil, types.NewError(types.ErrInvalidGraph, "exit point not set")
	}
	if _, exists := b.nodes[b.entry]; !exists {
		return nil, types.Errorf(types.ErrInvalidGraph, "entry node %q does not exist", b.entry)
	}
	if _, exists := b.nodes[b.exit]; !exists {
		return nil, types.Errorf(types.ErrInvalidGraph, "exit node %q does not exist", b.exit)
	}

	g := &Graph{
		name:  b.name,
		nodes: make(map[string]*Node, len(b.nodes)),
		edges: make(map[string][]Edge, len(b.edges)),
		entry: b.entry,
		exit:  b.exit,
	}
	for id, n := range b.nodes {
		g.nodes[id] = n
	}
	for id, es := range b.edges {
		g.edges[id] = append([]Edge(nil), es...)
	}

	b.logger.Info("workflow graph built",
		zap.String("graph", b.name),
		zap.Int("nodes", len(g.nodes)),
		zap.String("entry", g.entry),
		zap.String("exit", g.exit),
	)
	return g, nil
}
