package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/types"
)

// MemoryCheckpointStore is an in-memory CheckpointStore for tests and
// single-process development. Not durable across restarts.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*agent.Checkpoint
	byTicket    map[string][]string
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*agent.Checkpoint),
		byTicket:    make(map[string][]string),
	}
}

// Save persists a checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *agent.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *cp
	if _, exists := s.checkpoints[cp.ID]; !exists {
		s.byTicket[cp.TicketID] = append(s.byTicket[cp.TicketID], cp.ID)
	}
	s.checkpoints[cp.ID] = &clone
	return nil
}

// Load retrieves a checkpoint by ID.
func (s *MemoryCheckpointStore) Load(_ context.Context, id string) (*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, exists := s.checkpoints[id]
	if !exists {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "checkpoint %s not found", id)
	}
	clone := *cp
	return &clone, nil
}

// LoadLatest retrieves the most recently saved checkpoint for a ticket.
func (s *MemoryCheckpointStore) LoadLatest(_ context.Context, ticketID string) (*agent.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTicket[ticketID]
	if len(ids) == 0 {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "no checkpoints for ticket %s", ticketID)
	}
	cp := s.checkpoints[ids[len(ids)-1]]
	clone := *cp
	return &clone, nil
}

// MarkConsumed flags a checkpoint as used.
func (s *MemoryCheckpointStore) MarkConsumed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, exists := s.checkpoints[id]
	if !exists {
		return types.Errorf(types.ErrCheckpointNotFound, "checkpoint %s not found", id)
	}
	cp.Consumed = true
	return nil
}

// Delete removes a checkpoint.
func (s *MemoryCheckpointStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, exists := s.checkpoints[id]
	if !exists {
		return nil
	}
	delete(s.checkpoints, id)
	ids := s.byTicket[cp.TicketID]
	for i, cid := range ids {
		if cid == id {
			s.byTicket[cp.TicketID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// MemoryTicketRepository is an in-memory ticket.Repository.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*ticket.Ticket
}

// NewMemoryTicketRepository creates an empty in-memory ticket repository.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{tickets: make(map[string]*ticket.Ticket)}
}

// Load retrieves a ticket by ID.
func (r *MemoryTicketRepository) Load(_ context.Context, id string) (*ticket.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tickets[id]
	if !exists {
		return nil, types.Errorf(types.ErrTicketNotFound, "ticket %s not found", id)
	}
	return t.Clone(), nil
}

// Save persists a ticket.
func (r *MemoryTicketRepository) Save(_ context.Context, t *ticket.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickets[t.ID] = t.Clone()
	return nil
}

// List returns all tickets for a tenant, sorted by ID. An empty tenant lists
// everything.
func (r *MemoryTicketRepository) List(_ context.Context, tenantID string) ([]*ticket.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ticket.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if tenantID == "" || t.TenantID == tenantID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
