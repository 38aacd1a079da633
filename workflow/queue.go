package workflow

import (
	"context"
	"time"
)

// AgentExecutionRequest is one durable unit of pending workflow work.
// It is created on trigger, mutated on each attempt or failure, and removed
// on terminal success or exhausted retries.
type AgentExecutionRequest struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	WorkflowType   string     `json:"workflow_type"`
	InitialMessage string     `json:"initial_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// Due reports whether the request is ready for processing at the given time.
func (r *AgentExecutionRequest) Due(now time.Time) bool {
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

// SuspendedWorkflow is the durable record of a workflow parked at a
// checkpoint, awaiting an external event.
type SuspendedWorkflow struct {
	TicketID     string         `json:"ticket_id"`
	WorkflowType string         `json:"workflow_type"`
	AgentName    string         `json:"agent_name"`
	CheckpointID string         `json:"checkpoint_id"`
	EventType    string         `json:"event_type,omitempty"`
	EventPayload map[string]any `json:"event_payload,omitempty"`
	HasEvent     bool           `json:"has_event"`
	SuspendedAt  time.Time      `json:"suspended_at"`
	ResumeCount  int            `json:"resume_count"`
	LastError    string         `json:"last_error,omitempty"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
}

// RetryPolicy configures exponential backoff for execution and resume
// attempts. NextRetryAt is persisted as an absolute timestamp so the schedule
// survives process restarts.
type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling; reaching it marks the execution
	// permanently failed.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy mirrors the engine defaults: five attempts starting at
// thirty seconds, capped at thirty minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
}

// NextDelay computes the backoff delay after the given number of failed
// attempts: BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the next attempt would exceed the ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// ExecutionQueue is the durable bookkeeping for pending executions and
// suspended workflows. Mutation operations must be atomic per row
// (compare-and-swap on status) so two workers never double-process the same
// item; a given ticket has at most one active (pending or suspended)
// execution at a time, enforced by Enqueue.
type ExecutionQueue interface {
	// Enqueue adds a new execution request. It fails with
	// EXECUTION_ALREADY_ACTIVE when the ticket already has a pending or
	// suspended execution.
	Enqueue(ctx context.Context, req *AgentExecutionRequest) error

	// PendingExecutions returns up to batchSize due requests (no NextRetryAt
	// or NextRetryAt <= now), atomically claiming them for the caller.
	PendingExecutions(ctx context.Context, batchSize int) ([]*AgentExecutionRequest, error)

	// ScheduleRetry records a failed attempt and computes the next retry
	// time via exponential backoff. It returns false when the attempt
	// ceiling was reached, in which case the request has been marked
	// permanently failed and removed from the pending set.
	ScheduleRetry(ctx context.Context, id string, cause error) (bool, error)

	// MarkExecutionFailed terminally fails a request and removes it from
	// the pending set.
	MarkExecutionFailed(ctx context.Context, id string, cause error) error

	// MarkExecutionCompleted records the execution result and removes the
	// request from the pending set.
	MarkExecutionCompleted(ctx context.Context, id string, result *ExecutionResult) error

	// Suspend parks a workflow: the pending request is removed and a
	// suspended row is created (or replaced) for the ticket.
	Suspend(ctx context.Context, sw *SuspendedWorkflow) error

	// AttachResumeEvent attaches an inbound event tuple to the ticket's
	// suspended workflow. It fails with WORKFLOW_NOT_SUSPENDED when no
	// suspended row exists.
	AttachResumeEvent(ctx context.Context, ticketID, eventType string, payload map[string]any) error

	// SuspendedWithEvents returns up to batchSize suspended workflows that
	// have a due pending resume event attached, atomically claiming them.
	SuspendedWithEvents(ctx context.Context, batchSize int) ([]*SuspendedWorkflow, error)

	// ClearResumeEvent drops a rejected event, recording the validation
	// error; the workflow stays suspended awaiting a correct event.
	ClearResumeEvent(ctx context.Context, ticketID string, cause error) error

	// MarkWorkflowResumed removes the suspended row after a successful resume.
	MarkWorkflowResumed(ctx context.Context, ticketID string) error

	// ScheduleResumeRetry mirrors ScheduleRetry for resume attempts.
	ScheduleResumeRetry(ctx context.Context, ticketID string, cause error) (bool, error)

	// MarkWorkflowResumeFailed terminally abandons a suspended workflow.
	MarkWorkflowResumeFailed(ctx context.Context, ticketID string, cause error) error
}
