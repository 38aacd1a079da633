package main

import (
	"context"
	"fmt"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// The binary ships scripted pipeline agents so the orchestrator is runnable
// out of the box: they advance ticket state and produce placeholder output
// instead of calling an LLM or an SCM. Production deployments embed the
// engine as a library and register real implementations under the same
// names.

type scriptedAgent struct {
	name        string
	description string
	run         func(ctx context.Context, ec *agent.Context) (*agent.Result, error)
}

func (a *scriptedAgent) Name() string        { return a.name }
func (a *scriptedAgent) Description() string { return a.description }

func (a *scriptedAgent) Execute(ctx context.Context, ec *agent.Context) (*agent.Result, error) {
	return a.run(ctx, ec)
}

// registerScriptedAgents fills the registry with the ticket pipeline's four
// agents.
func registerScriptedAgents(registry *agent.Registry) error {
	agents := []*scriptedAgent{
		{
			name:        workflow.AgentAnalyzer,
			description: "analyzes the ticket; scripted stand-in",
			run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
				if err := advance(ec, "analysis started", ticket.StateAnalyzing); err != nil {
					return nil, err
				}
				return agent.Completed(map[string]any{
					workflow.KeyNeedsAnswers: false,
					"analysis":               fmt.Sprintf("scripted analysis of %s", ec.TicketID),
				}), nil
			},
		},
		{
			name:        workflow.AgentPlanner,
			description: "drafts the implementation plan; scripted stand-in",
			run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
				if ec.Ticket != nil && ec.Ticket.State == ticket.StatePlanPosted {
					// Re-planning after a rejected review.
					if err := advance(ec, "plan rejected",
						ticket.StatePlanUnderReview, ticket.StatePlanRejected); err != nil {
						return nil, err
					}
				}
				if err := advance(ec, "plan posted",
					ticket.StatePlanning, ticket.StatePlanPosted); err != nil {
					return nil, err
				}
				return agent.Completed(map[string]any{
					"plan": fmt.Sprintf("scripted plan for %s", ec.TicketID),
				}), nil
			},
		},
		{
			name:        workflow.AgentImplementer,
			description: "implements the approved plan; scripted stand-in",
			run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
				if err := advance(ec, "plan approved",
					ticket.StatePlanUnderReview, ticket.StatePlanApproved, ticket.StateImplementing); err != nil {
					return nil, err
				}
				return agent.Completed(map[string]any{
					"branch": fmt.Sprintf("prfactory/%s", ec.TicketID),
				}), nil
			},
		},
		{
			name:        workflow.AgentPRCreator,
			description: "opens the pull request; scripted stand-in",
			run: func(_ context.Context, ec *agent.Context) (*agent.Result, error) {
				if err := advance(ec, "pull request opened",
					ticket.StatePRCreated, ticket.StateInReview, ticket.StateCompleted); err != nil {
					return nil, err
				}
				return agent.Completed(map[string]any{
					"pr_url": fmt.Sprintf("https://example.invalid/%s/pulls/1", ec.Repository),
				}), nil
			},
		},
	}

	for _, a := range agents {
		if err := registry.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// advance walks the ticket through the given states in order, skipping steps
// the ticket is already at or past (a retried or resumed walk).
func advance(ec *agent.Context, reason string, states ...ticket.WorkflowState) error {
	if ec.Ticket == nil {
		return nil
	}
	for _, s := range states {
		if ec.Ticket.State == s {
			continue
		}
		if !ticket.CanTransition(ec.Ticket.State, s) {
			continue
		}
		if err := ec.Ticket.TransitionTo(s, reason); err != nil {
			return err
		}
	}
	return nil
}
