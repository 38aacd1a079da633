package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/internal/metrics"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/types"
)

// OrchestratorConfig tunes the worker pool and polling cadence.
type OrchestratorConfig struct {
	// Workers is the number of concurrent item processors.
	Workers int `yaml:"workers"`
	// PollInterval paces queue polling.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize is the maximum items claimed per poll per queue.
	BatchSize int `yaml:"batch_size"`
}

// DefaultOrchestratorConfig returns the engine defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{Workers: 4, PollInterval: 2 * time.Second, BatchSize: 16}
}

// Orchestrator drives workflow executions end to end: it polls the durable
// queues for due work, walks graphs through the Executor, parks suspensions,
// and resumes workflows when validated external events arrive.
//
// The orchestrator is stateless between suspension and resumption; everything
// a resumed walk needs is reconstructed from the checkpoint and ticket rows.
type Orchestrator struct {
	cfg         OrchestratorConfig
	registry    *agent.Registry
	queue       ExecutionQueue
	checkpoints agent.CheckpointStore
	tickets     ticket.Repository
	validator   MessageValidator
	executor    *Executor
	logger      *zap.Logger
	metrics     *metrics.Collector
	limiter     *rate.Limiter

	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewOrchestrator wires an orchestrator. The metrics collector may be nil.
func NewOrchestrator(
	cfg OrchestratorConfig,
	registry *agent.Registry,
	queue ExecutionQueue,
	checkpoints agent.CheckpointStore,
	tickets ticket.Repository,
	validator MessageValidator,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultOrchestratorConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOrchestratorConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOrchestratorConfig().BatchSize
	}
	return &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		queue:       queue,
		checkpoints: checkpoints,
		tickets:     tickets,
		validator:   validator,
		executor:    NewExecutor(registry, checkpoints, logger),
		logger:      logger.With(zap.String("component", "orchestrator")),
		metrics:     collector,
		limiter:     rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		graphs:      make(map[string]*Graph),
	}
}

// RegisterGraph binds a built graph to a workflow type. Triggers referencing
// an unregistered type fail their execution permanently.
func (o *Orchestrator) RegisterGraph(workflowType string, g *Graph) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.graphs[workflowType] = g
}

func (o *Orchestrator) graph(workflowType string) (*Graph, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.graphs[workflowType]
	return g, ok
}

// Trigger creates and enqueues a new execution request for a ticket. The
// queue rejects it when the ticket already has an active execution.
func (o *Orchestrator) Trigger(ctx context.Context, ticketID, workflowType, initialMessage string) (string, error) {
	if _, ok := o.graph(workflowType); !ok {
		return "", types.Errorf(types.ErrInvalidGraph, "workflow type %q is not registered", workflowType)
	}
	if _, err := o.tickets.Load(ctx, ticketID); err != nil {
		return "", err
	}
	req := &AgentExecutionRequest{
		ID:             uuid.NewString(),
		TicketID:       ticketID,
		WorkflowType:   workflowType,
		InitialMessage: initialMessage,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.queue.Enqueue(ctx, req); err != nil {
		return "", err
	}
	o.logger.Info("execution triggered",
		zap.String("request_id", req.ID),
		zap.String("ticket_id", ticketID),
		zap.String("workflow_type", workflowType),
	)
	return req.ID, nil
}

// HandleEvent attaches an inbound external event tuple to the ticket's
// suspended workflow; the next poll validates and consumes it.
func (o *Orchestrator) HandleEvent(ctx context.Context, ticketID, eventType string, payload map[string]any) error {
	if err := o.queue.AttachResumeEvent(ctx, ticketID, eventType, payload); err != nil {
		return err
	}
	o.logger.Info("resume event attached",
		zap.String("ticket_id", ticketID),
		zap.String("event_type", eventType),
	)
	return nil
}

// Run polls the queues until ctx is cancelled, dispatching each claimed item
// to the worker pool. For one ticket, items are processed in dequeue order;
// no ordering is guaranteed across tickets.
func (o *Orchestrator) Run(ctx context.Context) error {
	jobs := make(chan func())
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				job()
			}
		}()
	}

	o.logger.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Duration("poll_interval", o.cfg.PollInterval),
	)

	for {
		if err := o.limiter.Wait(ctx); err != nil {
			break
		}
		o.poll(ctx, func(job func()) {
			select {
			case jobs <- job:
			case <-ctx.Done():
			}
		})
	}

	close(jobs)
	wg.Wait()
	o.logger.Info("orchestrator stopped")
	return ctx.Err()
}

// RunOnce performs a single poll cycle, processing every claimed item
// synchronously. It returns the number of items processed.
func (o *Orchestrator) RunOnce(ctx context.Context) int {
	processed := 0
	o.poll(ctx, func(job func()) {
		job()
		processed++
	})
	return processed
}

// poll claims one batch from each queue and hands the items to dispatch.
func (o *Orchestrator) poll(ctx context.Context, dispatch func(func())) {
	pending, err := o.queue.PendingExecutions(ctx, o.cfg.BatchSize)
	if err != nil {
		o.logger.Error("failed to poll pending executions", zap.Error(err))
	} else {
		o.metrics.RecordPoll("pending", len(pending))
		for _, req := range pending {
			dispatch(func() { o.processExecution(ctx, req) })
		}
	}

	suspended, err := o.queue.SuspendedWithEvents(ctx, o.cfg.BatchSize)
	if err != nil {
		o.logger.Error("failed to poll suspended workflows", zap.Error(err))
		return
	}
	o.metrics.RecordPoll("suspended", len(suspended))
	for _, sw := range suspended {
		dispatch(func() { o.processResume(ctx, sw) })
	}
}

// processExecution runs one pending request through a full graph walk.
func (o *Orchestrator) processExecution(ctx context.Context, req *AgentExecutionRequest) {
	log := o.logger.With(
		zap.String("request_id", req.ID),
		zap.String("ticket_id", req.TicketID),
		zap.String("workflow_type", req.WorkflowType),
	)

	g, ok := o.graph(req.WorkflowType)
	if !ok {
		log.Error("unknown workflow type, failing execution")
		o.failExecution(ctx, req, nil, types.Errorf(types.ErrInvalidGraph,
			"workflow type %q is not registered", req.WorkflowType))
		return
	}

	t, err := o.tickets.Load(ctx, req.TicketID)
	if err != nil {
		log.Warn("failed to load ticket", zap.Error(err))
		o.retryExecution(ctx, req, nil, err)
		return
	}

	ec := agent.NewContext(t.ID, t.TenantID, t.Repository)
	ec.Ticket = t
	if req.InitialMessage != "" {
		ec.State[KeyInitialMessage] = req.InitialMessage
	}

	res, err := o.executor.Execute(ctx, g, ec)
	if err != nil {
		if types.IsRetryable(err) {
			o.retryExecution(ctx, req, t, err)
		} else {
			// Structural errors never heal on retry.
			o.failExecution(ctx, req, t, err)
		}
		o.saveTicket(ctx, t, log)
		return
	}

	o.recordWalk(g.Name(), res)
	switch res.Status {
	case agent.StatusCompleted:
		if err := o.queue.MarkExecutionCompleted(ctx, req.ID, res); err != nil {
			log.Error("failed to mark execution completed", zap.Error(err))
		}
	case agent.StatusSuspended:
		o.metrics.RecordSuspension(g.Name())
		if err := o.queue.Suspend(ctx, &SuspendedWorkflow{
			TicketID:     req.TicketID,
			WorkflowType: req.WorkflowType,
			AgentName:    res.WaitingAgent,
			CheckpointID: res.CheckpointID,
			SuspendedAt:  time.Now().UTC(),
		}); err != nil {
			log.Error("failed to park suspended workflow", zap.Error(err))
		}
	case agent.StatusFailed:
		o.retryExecution(ctx, req, t, errors.New(res.Error))
	}
	o.saveTicket(ctx, t, log)
}

// processResume validates and applies one pending resume event.
func (o *Orchestrator) processResume(ctx context.Context, sw *SuspendedWorkflow) {
	log := o.logger.With(
		zap.String("ticket_id", sw.TicketID),
		zap.String("waiting_agent", sw.AgentName),
		zap.String("event_type", sw.EventType),
	)

	g, ok := o.graph(sw.WorkflowType)
	if !ok {
		log.Error("unknown workflow type for suspended workflow")
		o.abandonResume(ctx, sw, nil, types.Errorf(types.ErrInvalidGraph,
			"workflow type %q is not registered", sw.WorkflowType))
		return
	}

	cp, err := o.loadCheckpoint(ctx, sw)
	if err != nil {
		log.Warn("failed to load checkpoint", zap.Error(err))
		o.retryResume(ctx, sw, nil, err)
		return
	}
	if cp.Consumed {
		// The resume already happened; treat the duplicate event as a no-op.
		log.Info("checkpoint already consumed, ignoring duplicate event")
		if err := o.queue.MarkWorkflowResumed(ctx, sw.TicketID); err != nil {
			log.Error("failed to clear resumed workflow", zap.Error(err))
		}
		return
	}

	msg, err := o.validator.Validate(ctx, sw.TicketID, sw.AgentName, sw.EventType, sw.EventPayload)
	if err != nil {
		// Rejected event: the checkpoint is untouched and the workflow stays
		// suspended awaiting a correct event.
		log.Warn("resume event rejected", zap.Error(err))
		o.metrics.RecordResume(g.Name(), "rejected")
		if cerr := o.queue.ClearResumeEvent(ctx, sw.TicketID, err); cerr != nil {
			log.Error("failed to clear rejected event", zap.Error(cerr))
		}
		return
	}

	t, err := o.tickets.Load(ctx, sw.TicketID)
	if err != nil {
		o.retryResume(ctx, sw, nil, err)
		return
	}

	ec := agent.NewContext(t.ID, t.TenantID, t.Repository)
	ec.Ticket = t

	res, err := o.executor.Resume(ctx, g, cp, ec, msg)
	if err != nil {
		if types.HasCode(err, types.ErrCheckpointConsumed) {
			if merr := o.queue.MarkWorkflowResumed(ctx, sw.TicketID); merr != nil {
				log.Error("failed to clear resumed workflow", zap.Error(merr))
			}
			return
		}
		if types.IsRetryable(err) {
			o.retryResume(ctx, sw, t, err)
		} else {
			o.abandonResume(ctx, sw, t, err)
		}
		o.saveTicket(ctx, t, log)
		return
	}

	o.recordWalk(g.Name(), res)
	switch res.Status {
	case agent.StatusCompleted:
		o.metrics.RecordResume(g.Name(), "completed")
		o.consumeCheckpoint(ctx, cp.ID, log)
		if err := o.queue.MarkWorkflowResumed(ctx, sw.TicketID); err != nil {
			log.Error("failed to mark workflow resumed", zap.Error(err))
		}
	case agent.StatusSuspended:
		// Resumed and immediately parked at the next checkpoint.
		o.metrics.RecordResume(g.Name(), "suspended")
		o.metrics.RecordSuspension(g.Name())
		o.consumeCheckpoint(ctx, cp.ID, log)
		if err := o.queue.Suspend(ctx, &SuspendedWorkflow{
			TicketID:     sw.TicketID,
			WorkflowType: sw.WorkflowType,
			AgentName:    res.WaitingAgent,
			CheckpointID: res.CheckpointID,
			SuspendedAt:  time.Now().UTC(),
		}); err != nil {
			log.Error("failed to park suspended workflow", zap.Error(err))
		}
	case agent.StatusFailed:
		o.metrics.RecordResume(g.Name(), "failed")
		o.retryResume(ctx, sw, t, errors.New(res.Error))
	}
	o.saveTicket(ctx, t, log)
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, sw *SuspendedWorkflow) (*agent.Checkpoint, error) {
	if sw.CheckpointID != "" {
		cp, err := o.checkpoints.Load(ctx, sw.CheckpointID)
		if err == nil {
			return cp, nil
		}
		if !types.HasCode(err, types.ErrCheckpointNotFound) {
			return nil, err
		}
	}
	return o.checkpoints.LoadLatest(ctx, sw.TicketID)
}

func (o *Orchestrator) consumeCheckpoint(ctx context.Context, id string, log *zap.Logger) {
	if err := o.checkpoints.MarkConsumed(ctx, id); err != nil {
		log.Error("failed to mark checkpoint consumed", zap.String("checkpoint_id", id), zap.Error(err))
	}
}

// retryExecution schedules the next attempt, or fails the ticket terminally
// when the attempt ceiling is reached.
func (o *Orchestrator) retryExecution(ctx context.Context, req *AgentExecutionRequest, t *ticket.Ticket, cause error) {
	scheduled, err := o.queue.ScheduleRetry(ctx, req.ID, cause)
	if err != nil {
		o.logger.Error("failed to schedule retry", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if scheduled {
		o.metrics.RecordRetry("execution")
		o.logger.Info("execution retry scheduled",
			zap.String("request_id", req.ID),
			zap.Int("attempts", req.RetryCount+1),
		)
		return
	}
	o.failTicket(ctx, t, cause)
}

func (o *Orchestrator) failExecution(ctx context.Context, req *AgentExecutionRequest, t *ticket.Ticket, cause error) {
	if err := o.queue.MarkExecutionFailed(ctx, req.ID, cause); err != nil {
		o.logger.Error("failed to mark execution failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	o.failTicket(ctx, t, cause)
}

// retryResume mirrors retryExecution for the suspended side.
func (o *Orchestrator) retryResume(ctx context.Context, sw *SuspendedWorkflow, t *ticket.Ticket, cause error) {
	scheduled, err := o.queue.ScheduleResumeRetry(ctx, sw.TicketID, cause)
	if err != nil {
		o.logger.Error("failed to schedule resume retry", zap.String("ticket_id", sw.TicketID), zap.Error(err))
		return
	}
	if scheduled {
		o.metrics.RecordRetry("resume")
		return
	}
	o.failTicket(ctx, t, cause)
}

func (o *Orchestrator) abandonResume(ctx context.Context, sw *SuspendedWorkflow, t *ticket.Ticket, cause error) {
	if err := o.queue.MarkWorkflowResumeFailed(ctx, sw.TicketID, cause); err != nil {
		o.logger.Error("failed to abandon suspended workflow", zap.String("ticket_id", sw.TicketID), zap.Error(err))
	}
	o.failTicket(ctx, t, cause)
}

// failTicket transitions the ticket to the failed workflow state, making the
// permanent failure visible in its persisted history.
func (o *Orchestrator) failTicket(ctx context.Context, t *ticket.Ticket, cause error) {
	if t == nil || ticket.IsTerminal(t.State) {
		return
	}
	if err := t.TransitionTo(ticket.StateFailed, cause.Error()); err != nil {
		o.logger.Error("failed to transition ticket to failed state",
			zap.String("ticket_id", t.ID), zap.Error(err))
		return
	}
	o.saveTicket(ctx, t, o.logger)
}

func (o *Orchestrator) saveTicket(ctx context.Context, t *ticket.Ticket, log *zap.Logger) {
	if t == nil {
		return
	}
	if err := o.tickets.Save(ctx, t); err != nil {
		log.Error("failed to save ticket", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

func (o *Orchestrator) recordWalk(graph string, res *ExecutionResult) {
	o.metrics.RecordExecution(graph, string(res.Status), res.Duration())
	for _, rec := range res.Records {
		if rec.AgentName != "" {
			o.metrics.RecordNode(graph, rec.AgentName, rec.Duration)
		}
	}
}
