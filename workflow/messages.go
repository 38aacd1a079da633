package workflow

import (
	"context"
	"sync"

	"github.com/mikaelliljedahl/prfactory/types"
)

// Message is a typed resume event fed to a suspended workflow.
type Message interface {
	// EventType identifies the kind of external event (e.g. "answers_posted",
	// "plan_approved", "review_comment").
	EventType() string

	// TicketID is the ticket whose workflow the event addresses.
	TicketID() string

	// Payload carries the event data, merged into the execution state under
	// the resume message key when the walk continues.
	Payload() map[string]any
}

// State keys the engine writes when resuming a workflow.
const (
	// KeyResumeEvent holds the resume message's event type.
	KeyResumeEvent = "resume_event"
	// KeyResumePayload holds the resume message's payload map.
	KeyResumePayload = "resume_payload"
	// KeyInitialMessage holds the trigger's initial message.
	KeyInitialMessage = "initial_message"
)

// ResumeMessage is the plain Message implementation produced by validators.
type ResumeMessage struct {
	Event  string
	Ticket string
	Data   map[string]any
}

func (m *ResumeMessage) EventType() string       { return m.Event }
func (m *ResumeMessage) TicketID() string        { return m.Ticket }
func (m *ResumeMessage) Payload() map[string]any { return m.Data }

// MessageValidator decides whether an inbound event tuple is valid for the
// agent currently waiting on a suspended workflow, and if so produces the
// typed resume message to feed the orchestrator. Concrete validators belong
// to the application embedding the engine.
type MessageValidator interface {
	Validate(ctx context.Context, ticketID, agentName, eventType string, payload map[string]any) (Message, error)
}

// StaticValidator is a MessageValidator driven by a fixed table of event
// types accepted per waiting agent. Useful for tests and the CLI.
type StaticValidator struct {
	mu       sync.RWMutex
	expected map[string][]string
}

// NewStaticValidator creates an empty static validator.
func NewStaticValidator() *StaticValidator {
	return &StaticValidator{expected: make(map[string][]string)}
}

// Expect registers the event types a waiting agent accepts.
func (v *StaticValidator) Expect(agentName string, eventTypes ...string) *StaticValidator {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expected[agentName] = append(v.expected[agentName], eventTypes...)
	return v
}

// Validate accepts the event only when its type is registered for the
// waiting agent.
func (v *StaticValidator) Validate(_ context.Context, ticketID, agentName, eventType string, payload map[string]any) (Message, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, et := range v.expected[agentName] {
		if et == eventType {
			return &ResumeMessage{Event: eventType, Ticket: ticketID, Data: payload}, nil
		}
	}
	return nil, types.Errorf(types.ErrResumeValidation,
		"event %q is not valid for suspended agent %q on ticket %s", eventType, agentName, ticketID)
}
