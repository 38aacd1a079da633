package ticket

import "context"

// Repository loads and saves ticket entities. The persisted workflow state and
// transition history are the single source of truth for what happened to a
// ticket; implementations live in the persistence package.
type Repository interface {
	// Load retrieves a ticket by ID.
	Load(ctx context.Context, id string) (*Ticket, error)

	// Save persists a ticket (create or update).
	Save(ctx context.Context, t *Ticket) error

	// List returns all tickets for a tenant. An empty tenant lists everything.
	List(ctx context.Context, tenantID string) ([]*Ticket, error)
}
