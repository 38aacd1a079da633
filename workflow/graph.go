package workflow

import (
	"github.com/mikaelliljedahl/prfactory/agent"
)

// NodeType defines the type of a graph node.
type NodeType string

const (
	// NodeStart marks the entry pass-through node.
	NodeStart NodeType = "start"
	// NodeEnd marks the exit node; reaching it completes the workflow.
	NodeEnd NodeType = "end"
	// NodeAgent invokes a registry-resolved agent.
	NodeAgent NodeType = "agent"
	// NodeDecision routes to one of several successors based on a predicate.
	NodeDecision NodeType = "decision"
	// NodeParallelGroup runs member nodes concurrently with a single join.
	NodeParallelGroup NodeType = "parallel_group"
	// NodeCheckpoint suspends the workflow and persists a resume snapshot.
	NodeCheckpoint NodeType = "checkpoint"
)

// Condition is a predicate over a read-only view of the execution context.
// A nil Condition always matches.
type Condition func(s agent.Snapshot) bool

// StateTrue matches when the given state key holds true.
func StateTrue(key string) Condition {
	return func(s agent.Snapshot) bool { return s.Bool(key) }
}

// StateFalse matches when the given state key is absent or false.
func StateFalse(key string) Condition {
	return func(s agent.Snapshot) bool { return !s.Bool(key) }
}

// StateEquals matches when the given state key holds the wanted string.
func StateEquals(key, want string) Condition {
	return func(s agent.Snapshot) bool { return s.String(key) == want }
}

// Route is one decision branch: the first route whose condition matches
// (or whose condition is nil) is followed.
type Route struct {
	Condition Condition
	Target    string
	Label     string
}

// Node is a single vertex in the workflow graph.
type Node struct {
	ID          string
	Type        NodeType
	Description string

	// AgentName binds an agent node to a registry entry.
	AgentName string

	// Routes are the ordered branches of a decision node.
	Routes []Route

	// Members and JoinID configure a parallel group: member nodes run
	// concurrently and the join node runs after all of them succeed.
	Members []string
	JoinID  string

	// NextNode is a checkpoint node's continuation after approval.
	NextNode string
}

// Edge is a directed connection between two nodes with an optional predicate.
type Edge struct {
	From      string
	To        string
	Condition Condition
	Label     string
}

// Graph is an immutable workflow graph produced by Builder.Build. The node
// and edge sets never change after construction, so a Graph is safe for
// concurrent reads by any number of executions.
type Graph struct {
	name  string
	nodes map[string]*Node
	edges map[string][]Edge
	entry string
	exit  string
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Entry returns the entry node ID.
func (g *Graph) Entry() string { return g.entry }

// Exit returns the exit node ID.
func (g *Graph) Exit() string { return g.exit }

// Node retrieves a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// OutgoingEdges returns a node's outgoing edges in insertion order.
func (g *Graph) OutgoingEdges(id string) []Edge {
	return g.edges[id]
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }
