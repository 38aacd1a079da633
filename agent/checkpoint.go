package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a persisted suspension snapshot: the serialized execution
// state plus the node the walk should continue from. It is created when a
// workflow suspends and consumed exactly once by a matching resume event.
type Checkpoint struct {
	ID       string `json:"id"`
	TicketID string `json:"ticket_id"`

	// AgentName is the agent expected to consume the resume event.
	AgentName string `json:"agent_name"`

	// NodeID is the node at which execution suspended.
	NodeID string `json:"node_id"`

	// NextNode is where graph traversal resumes after a matching event.
	NextNode string `json:"next_node"`

	// State is the JSON-serialized Context.State at suspension time.
	State json.RawMessage `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	Consumed  bool      `json:"consumed"`
}

// NewCheckpoint snapshots the given state into a checkpoint.
func NewCheckpoint(ticketID, agentName, nodeID, nextNode string, state map[string]any) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint state: %w", err)
	}
	return &Checkpoint{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		AgentName: agentName,
		NodeID:    nodeID,
		NextNode:  nextNode,
		State:     raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// RestoreState deserializes the snapshot back into a state map.
func (c *Checkpoint) RestoreState() (map[string]any, error) {
	state := make(map[string]any)
	if len(c.State) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(c.State, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint state: %w", err)
	}
	return state, nil
}

// CheckpointStore persists suspension snapshots keyed by checkpoint ID or by
// ticket ID (latest). Implementations live in the persistence package.
type CheckpointStore interface {
	// Save persists a checkpoint (create or update).
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves a checkpoint by ID.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// LoadLatest retrieves the most recent checkpoint for a ticket.
	LoadLatest(ctx context.Context, ticketID string) (*Checkpoint, error)

	// MarkConsumed flags a checkpoint as used by a successful resume.
	MarkConsumed(ctx context.Context, id string) error

	// Delete removes a checkpoint.
	Delete(ctx context.Context, id string) error
}
