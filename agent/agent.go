package agent

import "context"

// Agent is a named, stateless unit of work. Implementations wrap external
// AI/SCM calls and are registered by name in a Registry.
//
// Execute must be idempotent with respect to its own side effects when
// retried: implementations check existing state before acting (for example an
// "already posted" guard before posting a comment). Agents must honor ctx
// cancellation at each blocking external call and leave the execution context
// unchanged on abort so the step can be safely retried.
type Agent interface {
	// Name is the unique registry key for this agent.
	Name() string

	// Description is a human-readable summary of what the agent does.
	Description() string

	// Execute performs one unit of work against the shared execution context.
	Execute(ctx context.Context, ec *Context) (*Result, error)
}

// ResultStatus is the outcome classification of one agent invocation.
type ResultStatus string

const (
	// ResultCompleted indicates the agent finished its work.
	ResultCompleted ResultStatus = "completed"
	// ResultFailed indicates the agent failed; the workflow is retried per
	// the queue's backoff policy.
	ResultFailed ResultStatus = "failed"
	// ResultSkipped indicates the agent decided no work was needed.
	ResultSkipped ResultStatus = "skipped"
	// ResultPending indicates the agent suspended itself and is waiting for
	// an external event (human-wait style agents).
	ResultPending ResultStatus = "pending"
)

// Result is the immutable outcome of one agent invocation.
type Result struct {
	Status       ResultStatus   `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorDetails string         `json:"error_details,omitempty"`
}

// Completed builds a successful result whose output is merged into the
// execution context state (last writer wins).
func Completed(output map[string]any) *Result {
	return &Result{Status: ResultCompleted, Output: output}
}

// Failed builds a failed result with a message and optional detail.
func Failed(message string, details ...string) *Result {
	r := &Result{Status: ResultFailed, Error: message}
	if len(details) > 0 {
		r.ErrorDetails = details[0]
	}
	return r
}

// Skipped builds a skipped result.
func Skipped() *Result {
	return &Result{Status: ResultSkipped}
}

// Pending builds a pending result, signalling the workflow should suspend
// at the current node without advancing.
func Pending() *Result {
	return &Result{Status: ResultPending}
}
