package agent

import (
	"github.com/mikaelliljedahl/prfactory/ticket"
)

// Status is the lifecycle state of one workflow execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Context is the ephemeral scratch space for a single workflow execution.
// It is exclusively owned by the one in-flight execution processing it,
// never shared across tickets, and discarded and rebuilt from a checkpoint
// on resume.
//
// State holds free-form values written by agents. Within a parallel group,
// member agents must write disjoint State keys; the engine does not arbitrate
// overlapping writes beyond last-writer-wins.
type Context struct {
	TicketID   string
	TenantID   string
	Repository string

	// Ticket is the attached entity; agents drive its workflow state through
	// TransitionTo and the orchestrator persists it after each walk.
	Ticket *ticket.Ticket

	// State is agent scratch data, serialized into checkpoints.
	State map[string]any

	// Metadata is execution-time configuration, e.g. which wait/post
	// sub-mode an agent should use. Not checkpointed state; rebuilt on resume.
	Metadata map[string]string

	// Checkpoint is set by agents that suspend themselves (ResultPending) so
	// the orchestrator knows where to resume.
	Checkpoint *Checkpoint

	Status Status
}

// NewContext creates a running execution context.
func NewContext(ticketID, tenantID, repository string) *Context {
	return &Context{
		TicketID:   ticketID,
		TenantID:   tenantID,
		Repository: repository,
		State:      make(map[string]any),
		Metadata:   make(map[string]string),
		Status:     StatusRunning,
	}
}

// MergeOutput folds an agent result's output into State, last writer wins.
func (c *Context) MergeOutput(output map[string]any) {
	for k, v := range output {
		c.State[k] = v
	}
}

// Snapshot returns a read-only view of the context for edge and decision
// predicates.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{ctx: c}
}

// Snapshot is a read-only view over a Context. Predicates receive a Snapshot
// instead of the Context itself so they cannot mutate execution state.
type Snapshot struct {
	ctx *Context
}

// TicketID returns the owning ticket ID.
func (s Snapshot) TicketID() string { return s.ctx.TicketID }

// TicketState returns the attached ticket's workflow state, if any.
func (s Snapshot) TicketState() ticket.WorkflowState {
	if s.ctx.Ticket == nil {
		return ""
	}
	return s.ctx.Ticket.State
}

// Value looks up a State key.
func (s Snapshot) Value(key string) (any, bool) {
	v, ok := s.ctx.State[key]
	return v, ok
}

// Bool returns a State key as bool, false when absent or not a bool.
func (s Snapshot) Bool(key string) bool {
	v, ok := s.ctx.State[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String returns a State key as string, empty when absent or not a string.
func (s Snapshot) String(key string) string {
	v, ok := s.ctx.State[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Meta looks up a Metadata key.
func (s Snapshot) Meta(key string) string { return s.ctx.Metadata[key] }
