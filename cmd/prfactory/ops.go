package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/config"
	"github.com/mikaelliljedahl/prfactory/persistence"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// opsEnv is the wiring shared by the one-shot commands. They operate on the
// same storage backend as a running server; with the memory backend the
// --process flag drives the walk in-process instead.
type opsEnv struct {
	cfg    *config.Config
	logger *zap.Logger
	stores *persistence.Stores
	orch   *workflow.Orchestrator
}

func newOpsEnv(configPath string) (*opsEnv, error) {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := initLogger(cfg.Log)

	stores, err := persistence.NewStores(cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open stores: %w", err)
	}

	registry := agent.NewRegistry(logger)
	if err := registerScriptedAgents(registry); err != nil {
		stores.Close()
		return nil, err
	}
	pipeline, err := workflow.TicketPipeline(registry)
	if err != nil {
		stores.Close()
		return nil, err
	}

	orch := workflow.NewOrchestrator(
		cfg.OrchestratorSettings(),
		registry,
		stores.Queue,
		stores.Checkpoints,
		stores.Tickets,
		workflow.PipelineValidator(),
		logger,
		nil, // one-shot commands do not export metrics
	)
	orch.RegisterGraph(pipeline.Name(), pipeline)

	return &opsEnv{cfg: cfg, logger: logger, stores: stores, orch: orch}, nil
}

func (e *opsEnv) close() {
	e.stores.Close()
	_ = e.logger.Sync()
}

// drain runs poll cycles until a cycle processes nothing.
func (e *opsEnv) drain(ctx context.Context) {
	for e.orch.RunOnce(ctx) > 0 {
	}
}

func triggerCmd(configPath *string) *cobra.Command {
	var (
		tenant  string
		repo    string
		title   string
		message string
		process bool
	)

	cmd := &cobra.Command{
		Use:   "trigger <ticket-id>",
		Short: "Enqueue the ticket pipeline for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newOpsEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			ticketID := args[0]

			if _, err := env.stores.Tickets.Load(ctx, ticketID); err != nil {
				if !types.HasCode(err, types.ErrTicketNotFound) {
					return err
				}
				t := ticket.New(ticketID, tenant, repo, title)
				if err := env.stores.Tickets.Save(ctx, t); err != nil {
					return err
				}
			}

			reqID, err := env.orch.Trigger(ctx, ticketID, "ticket_pipeline", message)
			if err != nil {
				return err
			}
			fmt.Printf("triggered execution %s for ticket %s\n", reqID, ticketID)

			if process {
				env.drain(ctx)
				return printStatus(ctx, env, ticketID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "Tenant the ticket belongs to")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository the ticket targets")
	cmd.Flags().StringVar(&title, "title", "", "Ticket title (when creating)")
	cmd.Flags().StringVar(&message, "message", "", "Initial message for the workflow")
	cmd.Flags().BoolVar(&process, "process", false, "Process the queue in-process after triggering")
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	var (
		eventType string
		payload   string
		process   bool
	)

	cmd := &cobra.Command{
		Use:   "resume <ticket-id>",
		Short: "Attach a resume event to a suspended workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newOpsEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			ticketID := args[0]

			var data map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &data); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}

			if err := env.orch.HandleEvent(ctx, ticketID, eventType, data); err != nil {
				return err
			}
			fmt.Printf("attached %s event to ticket %s\n", eventType, ticketID)

			if process {
				env.drain(ctx)
				return printStatus(ctx, env, ticketID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "event", workflow.EventPlanReviewed, "Event type to attach")
	cmd.Flags().StringVar(&payload, "payload", "", "Event payload as JSON")
	cmd.Flags().BoolVar(&process, "process", false, "Process the queue in-process after attaching")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status [ticket-id]",
		Short: "Show ticket state and transition history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newOpsEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			if len(args) == 1 {
				return printStatus(ctx, env, args[0])
			}

			tickets, err := env.stores.Tickets.List(ctx, tenant)
			if err != nil {
				return err
			}
			for _, t := range tickets {
				fmt.Printf("%-24s %-18s %s\n", t.ID, t.State, t.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Filter by tenant")
	return cmd
}

func printStatus(ctx context.Context, env *opsEnv, ticketID string) error {
	t, err := env.stores.Tickets.Load(ctx, ticketID)
	if err != nil {
		return err
	}
	fmt.Printf("ticket %s: %s\n", t.ID, t.State)
	for _, tr := range t.History {
		fmt.Printf("  %s  %s -> %s  (%s)\n",
			tr.At.Format("2006-01-02T15:04:05Z07:00"), tr.From, tr.To, tr.Reason)
	}
	return nil
}
