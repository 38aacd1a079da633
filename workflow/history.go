package workflow

import (
	"time"

	"github.com/mikaelliljedahl/prfactory/agent"
)

// NodeRecord captures one node visit during a walk.
type NodeRecord struct {
	NodeID    string             `json:"node_id"`
	AgentName string             `json:"agent_name,omitempty"`
	Status    agent.ResultStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// ExecutionResult is the outcome of one graph walk (initial or resumed).
// It is recorded by the queue on terminal success and kept with the
// suspension bookkeeping otherwise.
type ExecutionResult struct {
	TicketID string       `json:"ticket_id"`
	Graph    string       `json:"graph"`
	Status   agent.Status `json:"status"`

	// CheckpointID and WaitingAgent are set when Status is suspended.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	WaitingAgent string `json:"waiting_agent,omitempty"`

	// FailedNode and Error are set when Status is failed.
	FailedNode string `json:"failed_node,omitempty"`
	Error      string `json:"error,omitempty"`

	Records    []NodeRecord `json:"records,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Duration returns the wall time of the walk.
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
