// Package ticket defines the ticket entity and its workflow state machine.
//
// A ticket moves through a fixed set of lifecycle phases (triggered,
// analyzing, planning, implementing, ...) constrained by a transition
// adjacency table. Illegal transitions are rejected with the current state
// unchanged, and every successful transition is appended to the ticket's
// history together with a reason and timestamp.
package ticket
