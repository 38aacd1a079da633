package ticket

import (
	"time"

	"github.com/mikaelliljedahl/prfactory/types"
)

// WorkflowState is the ticket's current lifecycle phase.
type WorkflowState string

const (
	StateTriggered       WorkflowState = "triggered"
	StateAnalyzing       WorkflowState = "analyzing"
	StateAwaitingAnswers WorkflowState = "awaiting_answers"
	StateAnswersReceived WorkflowState = "answers_received"
	StatePlanning        WorkflowState = "planning"
	StatePlanPosted      WorkflowState = "plan_posted"
	StatePlanUnderReview WorkflowState = "plan_under_review"
	StatePlanApproved    WorkflowState = "plan_approved"
	StatePlanRejected    WorkflowState = "plan_rejected"
	StateImplementing    WorkflowState = "implementing"
	StatePRCreated       WorkflowState = "pr_created"
	StateInReview        WorkflowState = "in_review"
	StateCompleted       WorkflowState = "completed"
	StateFailed          WorkflowState = "failed"
)

// validTransitions is the single source of truth for legal state changes.
// Terminal states (completed, failed) have no outgoing transitions.
var validTransitions = map[WorkflowState][]WorkflowState{
	StateTriggered:       {StateAnalyzing, StateFailed},
	StateAnalyzing:       {StateAwaitingAnswers, StatePlanning, StateFailed},
	StateAwaitingAnswers: {StateAnswersReceived, StateFailed},
	StateAnswersReceived: {StatePlanning, StateAwaitingAnswers, StateFailed},
	StatePlanning:        {StatePlanPosted, StateFailed},
	StatePlanPosted:      {StatePlanUnderReview, StateFailed},
	StatePlanUnderReview: {StatePlanApproved, StatePlanRejected, StateFailed},
	StatePlanApproved:    {StateImplementing, StateFailed},
	StatePlanRejected:    {StatePlanning, StateFailed},
	StateImplementing:    {StatePRCreated, StateFailed},
	StatePRCreated:       {StateInReview, StateFailed},
	StateInReview:        {StateCompleted, StateImplementing, StateFailed},
	StateCompleted:       {},
	StateFailed:          {},
}

// States returns every state known to the machine.
func States() []WorkflowState {
	states := make([]WorkflowState, 0, len(validTransitions))
	for s := range validTransitions {
		states = append(states, s)
	}
	return states
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to WorkflowState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state accepts no outgoing transitions.
func IsTerminal(s WorkflowState) bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Transition is one entry in a ticket's transition history.
type Transition struct {
	From   WorkflowState `json:"from"`
	To     WorkflowState `json:"to"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// Ticket carries the workflow state and transition history for one unit of work.
type Ticket struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	Repository string        `json:"repository"`
	Title      string        `json:"title"`
	State      WorkflowState `json:"state"`
	History    []Transition  `json:"history"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// New creates a ticket in the triggered state.
func New(id, tenantID, repository, title string) *Ticket {
	now := time.Now().UTC()
	return &Ticket{
		ID:         id,
		TenantID:   tenantID,
		Repository: repository,
		Title:      title,
		State:      StateTriggered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo moves the ticket to the target state. On success the current
// state is updated and a transition record appended. On failure nothing
// changes and a descriptive error is returned.
func (t *Ticket) TransitionTo(target WorkflowState, reason string) error {
	if !CanTransition(t.State, target) {
		return types.Errorf(types.ErrInvalidTransition,
			"cannot transition from %s to %s", t.State, target)
	}
	now := time.Now().UTC()
	t.History = append(t.History, Transition{
		From:   t.State,
		To:     target,
		Reason: reason,
		At:     now,
	})
	t.State = target
	t.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so stores never hand out shared history slices.
func (t *Ticket) Clone() *Ticket {
	cp := *t
	cp.History = make([]Transition, len(t.History))
	copy(cp.History, t.History)
	return &cp
}
