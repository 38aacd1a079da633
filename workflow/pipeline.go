package workflow

import (
	"github.com/mikaelliljedahl/prfactory/agent"
)

// Well-known agent names of the ticket-to-PR pipeline. Applications register
// their own implementations under these names; the engine only knows the
// names.
const (
	AgentAnalyzer    = "analyzer"
	AgentPlanner     = "planner"
	AgentImplementer = "implementer"
	AgentPRCreator   = "pr-creator"
)

// State keys the pipeline's decision nodes read.
const (
	// KeyPlanApproved is set by the plan-review resume event handler.
	KeyPlanApproved = "plan_approved"
	// KeyNeedsAnswers is set by the analyzer when clarifying questions were
	// posted and the workflow must wait for answers.
	KeyNeedsAnswers = "needs_answers"
)

// Pipeline event types accepted at the two human-in-the-loop checkpoints.
const (
	EventAnswersPosted = "answers_posted"
	EventPlanReviewed  = "plan_reviewed"
)

// TicketPipeline builds the standard ticket-to-PR workflow:
//
//	start → analyze ─┬─(needs answers)─→ await_answers ⏸ → plan
//	                 └─(otherwise)──────→ plan
//	plan → await_plan_review ⏸ → review decision ─┬─(approved)→ implement → create_pr → end
//	                                              └─(default)─→ plan
//
// The two ⏸ nodes are checkpoints: the workflow suspends there and resumes
// when a validated external event (posted answers, plan review) arrives.
// Rejected plans loop back to planning.
func TicketPipeline(registry *agent.Registry) (*Graph, error) {
	return NewBuilder("ticket_pipeline", registry).
		AddStart("start").
		AddEnd("end").
		AddNode("analyze", AgentAnalyzer, "analyze the ticket and post clarifying questions").
		AddNode("plan", AgentPlanner, "draft and post an implementation plan").
		AddNode("implement", AgentImplementer, "implement the approved plan on a branch").
		AddNode("create_pr", AgentPRCreator, "open the pull request").
		AddDecision("review_decision", []Route{
			{Condition: StateTrue(KeyPlanApproved), Target: "implement", Label: "approved"},
			{Target: "plan", Label: "rejected"},
		}).
		AddCheckpoint("await_answers", "waiting for answers to clarifying questions", "plan").
		AddCheckpoint("await_plan_review", "waiting for a plan review", "review_decision").
		AddEdge("start", "analyze").
		AddConditionalEdge("analyze", "await_answers", "needs_answers", StateTrue(KeyNeedsAnswers)).
		AddEdge("analyze", "plan").
		AddEdge("plan", "await_plan_review").
		AddEdge("implement", "create_pr").
		AddEdge("create_pr", "end").
		Build()
}

// PipelineValidator returns a validator accepting the pipeline's checkpoint
// events: answers for the analyzer's questions and reviews for the planner's
// plan.
func PipelineValidator() *StaticValidator {
	return NewStaticValidator().
		Expect(AgentAnalyzer, EventAnswersPosted).
		Expect(AgentPlanner, EventPlanReviewed)
}
