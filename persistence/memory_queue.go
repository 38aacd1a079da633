package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// MemoryQueue is an in-memory ExecutionQueue for tests and single-process
// development. Claims are process-local; durability is not provided.
type MemoryQueue struct {
	mu        sync.Mutex
	policy    workflow.RetryPolicy
	logger    *zap.Logger
	pending   map[string]*workflow.AgentExecutionRequest // request ID -> request
	byTicket  map[string]string                          // ticket ID -> pending request ID
	suspended map[string]*workflow.SuspendedWorkflow     // ticket ID -> suspended row
	claimed   map[string]bool                            // claimed request or ticket IDs
	results   map[string]*workflow.ExecutionResult       // request ID -> terminal result
	now       func() time.Time
}

// NewMemoryQueue creates an empty in-memory execution queue.
func NewMemoryQueue(policy workflow.RetryPolicy, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		policy:    policy,
		logger:    logger.With(zap.String("component", "memory_queue")),
		pending:   make(map[string]*workflow.AgentExecutionRequest),
		byTicket:  make(map[string]string),
		suspended: make(map[string]*workflow.SuspendedWorkflow),
		claimed:   make(map[string]bool),
		results:   make(map[string]*workflow.ExecutionResult),
		now:       time.Now,
	}
}

// Enqueue adds a new execution request, enforcing one active execution per
// ticket across both the pending and suspended sets.
func (q *MemoryQueue) Enqueue(_ context.Context, req *workflow.AgentExecutionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, active := q.byTicket[req.TicketID]; active {
		return types.Errorf(types.ErrExecutionActive, "ticket %s already has a pending execution", req.TicketID)
	}
	if _, parked := q.suspended[req.TicketID]; parked {
		return types.Errorf(types.ErrExecutionActive, "ticket %s has a suspended workflow", req.TicketID)
	}

	clone := *req
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = q.now()
	}
	q.pending[clone.ID] = &clone
	q.byTicket[clone.TicketID] = clone.ID
	return nil
}

// PendingExecutions claims and returns up to batchSize due requests, oldest
// first.
func (q *MemoryQueue) PendingExecutions(_ context.Context, batchSize int) ([]*workflow.AgentExecutionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	due := make([]*workflow.AgentExecutionRequest, 0, batchSize)
	for _, req := range q.pending {
		if req.Due(now) && !q.claimed[req.ID] {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	out := make([]*workflow.AgentExecutionRequest, 0, len(due))
	for _, req := range due {
		q.claimed[req.ID] = true
		clone := *req
		out = append(out, &clone)
	}
	return out, nil
}

// ScheduleRetry records a failed attempt. It returns false once the attempt
// ceiling is reached; the request is then removed as permanently failed.
func (q *MemoryQueue) ScheduleRetry(_ context.Context, id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[id]
	if !exists {
		return false, types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
	}

	now := q.now()
	req.RetryCount++
	req.LastError = cause.Error()
	req.LastAttemptAt = &now
	delete(q.claimed, id)

	if q.policy.Exhausted(req.RetryCount) {
		q.dropPending(req)
		q.logger.Warn("execution permanently failed",
			zap.String("request_id", id),
			zap.String("ticket_id", req.TicketID),
			zap.Int("attempts", req.RetryCount))
		return false, nil
	}

	next := now.Add(q.policy.NextDelay(req.RetryCount - 1))
	req.NextRetryAt = &next
	return true, nil
}

// MarkExecutionFailed terminally fails a request.
func (q *MemoryQueue) MarkExecutionFailed(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[id]
	if !exists {
		return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
	}
	req.LastError = cause.Error()
	q.dropPending(req)
	return nil
}

// MarkExecutionCompleted records the result and removes the request.
func (q *MemoryQueue) MarkExecutionCompleted(_ context.Context, id string, result *workflow.ExecutionResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[id]
	if !exists {
		return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
	}
	q.results[id] = result
	q.dropPending(req)
	return nil
}

// Suspend parks the ticket's workflow, replacing any pending request.
func (q *MemoryQueue) Suspend(_ context.Context, sw *workflow.SuspendedWorkflow) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reqID, active := q.byTicket[sw.TicketID]; active {
		if req := q.pending[reqID]; req != nil {
			q.dropPending(req)
		}
	}

	clone := *sw
	if clone.SuspendedAt.IsZero() {
		clone.SuspendedAt = q.now()
	}
	q.suspended[clone.TicketID] = &clone
	delete(q.claimed, clone.TicketID)
	return nil
}

// AttachResumeEvent attaches an event to the ticket's suspended workflow.
// A newer event replaces an unprocessed older one.
func (q *MemoryQueue) AttachResumeEvent(_ context.Context, ticketID, eventType string, payload map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sw, exists := q.suspended[ticketID]
	if !exists {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	sw.EventType = eventType
	sw.EventPayload = payload
	sw.HasEvent = true
	sw.NextRetryAt = nil
	return nil
}

// SuspendedWithEvents claims and returns up to batchSize suspended workflows
// with a due event attached, oldest suspension first.
func (q *MemoryQueue) SuspendedWithEvents(_ context.Context, batchSize int) ([]*workflow.SuspendedWorkflow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	due := make([]*workflow.SuspendedWorkflow, 0, batchSize)
	for _, sw := range q.suspended {
		if !sw.HasEvent || q.claimed[sw.TicketID] {
			continue
		}
		if sw.NextRetryAt != nil && sw.NextRetryAt.After(now) {
			continue
		}
		due = append(due, sw)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SuspendedAt.Before(due[j].SuspendedAt) })
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	out := make([]*workflow.SuspendedWorkflow, 0, len(due))
	for _, sw := range due {
		q.claimed[sw.TicketID] = true
		clone := *sw
		out = append(out, &clone)
	}
	return out, nil
}

// ClearResumeEvent drops a rejected event; the workflow stays suspended.
func (q *MemoryQueue) ClearResumeEvent(_ context.Context, ticketID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sw, exists := q.suspended[ticketID]
	if !exists {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	sw.EventType = ""
	sw.EventPayload = nil
	sw.HasEvent = false
	sw.LastError = cause.Error()
	delete(q.claimed, ticketID)
	return nil
}

// MarkWorkflowResumed removes the suspended row after a successful resume.
func (q *MemoryQueue) MarkWorkflowResumed(_ context.Context, ticketID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.suspended, ticketID)
	delete(q.claimed, ticketID)
	return nil
}

// ScheduleResumeRetry records a failed resume attempt, keeping the event
// attached so the resume is retried after backoff.
func (q *MemoryQueue) ScheduleResumeRetry(_ context.Context, ticketID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sw, exists := q.suspended[ticketID]
	if !exists {
		return false, types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}

	now := q.now()
	sw.ResumeCount++
	sw.LastError = cause.Error()
	delete(q.claimed, ticketID)

	if q.policy.Exhausted(sw.ResumeCount) {
		delete(q.suspended, ticketID)
		q.logger.Warn("resume permanently failed",
			zap.String("ticket_id", ticketID),
			zap.Int("attempts", sw.ResumeCount))
		return false, nil
	}

	next := now.Add(q.policy.NextDelay(sw.ResumeCount - 1))
	sw.NextRetryAt = &next
	return true, nil
}

// MarkWorkflowResumeFailed terminally abandons a suspended workflow.
func (q *MemoryQueue) MarkWorkflowResumeFailed(_ context.Context, ticketID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sw, exists := q.suspended[ticketID]
	if !exists {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	sw.LastError = cause.Error()
	delete(q.suspended, ticketID)
	delete(q.claimed, ticketID)
	return nil
}

// Result returns the stored terminal result for a completed request, if any.
func (q *MemoryQueue) Result(id string) (*workflow.ExecutionResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.results[id]
	return res, ok
}

// Depths reports the current pending and suspended counts.
func (q *MemoryQueue) Depths() (pending, suspended int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.suspended)
}

// dropPending removes a request from the pending set. Caller holds the lock.
func (q *MemoryQueue) dropPending(req *workflow.AgentExecutionRequest) {
	delete(q.pending, req.ID)
	delete(q.claimed, req.ID)
	if q.byTicket[req.TicketID] == req.ID {
		delete(q.byTicket, req.TicketID)
	}
}
