package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/types"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// Row status values. Claims are a compare-and-swap on status so concurrent
// workers never double-process an item.
const (
	rowStatusPending    = "pending"
	rowStatusProcessing = "processing"
	rowStatusSuspended  = "suspended"
)

// executionRecord is the GORM model backing pending execution requests.
type executionRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	TicketID       string `gorm:"uniqueIndex;size:64"`
	WorkflowType   string `gorm:"size:128"`
	InitialMessage string `gorm:"size:4096"`
	RetryCount     int
	LastError      string `gorm:"size:2048"`
	Status         string `gorm:"index;size:16"`
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time `gorm:"index"`
}

func (executionRecord) TableName() string { return "execution_requests" }

// suspendedRecord is the GORM model backing suspended workflows. One row per
// ticket.
type suspendedRecord struct {
	TicketID     string `gorm:"primaryKey;size:64"`
	WorkflowType string `gorm:"size:128"`
	AgentName    string `gorm:"size:128"`
	CheckpointID string `gorm:"size:64"`
	EventType    string `gorm:"size:128"`
	EventPayload []byte `gorm:"type:blob"`
	HasEvent     bool   `gorm:"index"`
	Status       string `gorm:"index;size:16"`
	SuspendedAt  time.Time
	ResumeCount  int
	LastError    string     `gorm:"size:2048"`
	NextRetryAt  *time.Time `gorm:"index"`
}

func (suspendedRecord) TableName() string { return "suspended_workflows" }

// resultRecord is the GORM model keeping terminal execution results for
// status queries after the request row is gone.
type resultRecord struct {
	RequestID   string `gorm:"primaryKey;size:64"`
	TicketID    string `gorm:"index;size:64"`
	Status      string `gorm:"size:16"`
	Result      []byte `gorm:"type:blob"`
	CompletedAt time.Time
}

func (resultRecord) TableName() string { return "execution_results" }

// GormQueue is a SQL-backed ExecutionQueue. Claim semantics rely on
// RowsAffected from conditional updates, which works on SQLite and Postgres
// alike.
type GormQueue struct {
	db     *gorm.DB
	policy workflow.RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewGormQueue creates an execution queue on an opened, migrated database.
func NewGormQueue(db *gorm.DB, policy workflow.RetryPolicy, logger *zap.Logger) *GormQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormQueue{
		db:     db,
		policy: policy,
		logger: logger.With(zap.String("component", "gorm_queue")),
		now:    time.Now,
	}
}

func toExecutionRecord(req *workflow.AgentExecutionRequest) *executionRecord {
	return &executionRecord{
		ID:             req.ID,
		TicketID:       req.TicketID,
		WorkflowType:   req.WorkflowType,
		InitialMessage: req.InitialMessage,
		RetryCount:     req.RetryCount,
		LastError:      req.LastError,
		Status:         rowStatusPending,
		CreatedAt:      req.CreatedAt,
		LastAttemptAt:  req.LastAttemptAt,
		NextRetryAt:    req.NextRetryAt,
	}
}

func fromExecutionRecord(rec *executionRecord) *workflow.AgentExecutionRequest {
	return &workflow.AgentExecutionRequest{
		ID:             rec.ID,
		TicketID:       rec.TicketID,
		WorkflowType:   rec.WorkflowType,
		InitialMessage: rec.InitialMessage,
		RetryCount:     rec.RetryCount,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt,
		LastAttemptAt:  rec.LastAttemptAt,
		NextRetryAt:    rec.NextRetryAt,
	}
}

func toSuspendedRecord(sw *workflow.SuspendedWorkflow) (*suspendedRecord, error) {
	var payload []byte
	if sw.EventPayload != nil {
		var err error
		payload, err = json.Marshal(sw.EventPayload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}
	return &suspendedRecord{
		TicketID:     sw.TicketID,
		WorkflowType: sw.WorkflowType,
		AgentName:    sw.AgentName,
		CheckpointID: sw.CheckpointID,
		EventType:    sw.EventType,
		EventPayload: payload,
		HasEvent:     sw.HasEvent,
		Status:       rowStatusSuspended,
		SuspendedAt:  sw.SuspendedAt,
		ResumeCount:  sw.ResumeCount,
		LastError:    sw.LastError,
		NextRetryAt:  sw.NextRetryAt,
	}, nil
}

func fromSuspendedRecord(rec *suspendedRecord) (*workflow.SuspendedWorkflow, error) {
	sw := &workflow.SuspendedWorkflow{
		TicketID:     rec.TicketID,
		WorkflowType: rec.WorkflowType,
		AgentName:    rec.AgentName,
		CheckpointID: rec.CheckpointID,
		EventType:    rec.EventType,
		HasEvent:     rec.HasEvent,
		SuspendedAt:  rec.SuspendedAt,
		ResumeCount:  rec.ResumeCount,
		LastError:    rec.LastError,
		NextRetryAt:  rec.NextRetryAt,
	}
	if len(rec.EventPayload) > 0 {
		if err := json.Unmarshal(rec.EventPayload, &sw.EventPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}
	return sw, nil
}

// Enqueue adds a new execution request, enforcing one active execution per
// ticket across both tables inside a transaction.
func (q *GormQueue) Enqueue(ctx context.Context, req *workflow.AgentExecutionRequest) error {
	rec := toExecutionRecord(req)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&executionRecord{}).Where("ticket_id = ?", req.TicketID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check pending executions: %w", err)
		}
		if count > 0 {
			return types.Errorf(types.ErrExecutionActive, "ticket %s already has a pending execution", req.TicketID)
		}
		if err := tx.Model(&suspendedRecord{}).Where("ticket_id = ?", req.TicketID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check suspended workflows: %w", err)
		}
		if count > 0 {
			return types.Errorf(types.ErrExecutionActive, "ticket %s has a suspended workflow", req.TicketID)
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to enqueue execution: %w", err)
		}
		return nil
	})
}

// PendingExecutions returns up to batchSize due requests, claiming each with
// a conditional status update.
func (q *GormQueue) PendingExecutions(ctx context.Context, batchSize int) ([]*workflow.AgentExecutionRequest, error) {
	now := q.now()

	var recs []executionRecord
	err := q.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", rowStatusPending, now).
		Order("created_at").
		Limit(batchSize).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending executions: %w", err)
	}

	out := make([]*workflow.AgentExecutionRequest, 0, len(recs))
	for i := range recs {
		res := q.db.WithContext(ctx).
			Model(&executionRecord{}).
			Where("id = ? AND status = ?", recs[i].ID, rowStatusPending).
			Update("status", rowStatusProcessing)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim execution %s: %w", recs[i].ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // another worker got it first
		}
		out = append(out, fromExecutionRecord(&recs[i]))
	}
	return out, nil
}

// ScheduleRetry records a failed attempt. Returns false once the ceiling is
// reached; the request row is then removed and a failed result kept.
func (q *GormQueue) ScheduleRetry(ctx context.Context, id string, cause error) (bool, error) {
	now := q.now()
	scheduled := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec executionRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
			}
			return fmt.Errorf("failed to load execution %s: %w", id, err)
		}

		rec.RetryCount++
		rec.LastError = cause.Error()
		rec.LastAttemptAt = &now

		if q.policy.Exhausted(rec.RetryCount) {
			if err := tx.Delete(&executionRecord{}, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to remove exhausted execution %s: %w", id, err)
			}
			result := &resultRecord{
				RequestID:   rec.ID,
				TicketID:    rec.TicketID,
				Status:      string(agent.StatusFailed),
				CompletedAt: now,
			}
			if err := tx.Save(result).Error; err != nil {
				return fmt.Errorf("failed to record failed execution %s: %w", id, err)
			}
			q.logger.Warn("execution permanently failed",
				zap.String("request_id", id),
				zap.String("ticket_id", rec.TicketID),
				zap.Int("attempts", rec.RetryCount))
			return nil
		}

		next := now.Add(q.policy.NextDelay(rec.RetryCount - 1))
		rec.NextRetryAt = &next
		rec.Status = rowStatusPending
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to schedule retry for %s: %w", id, err)
		}
		scheduled = true
		return nil
	})
	return scheduled, err
}

// MarkExecutionFailed terminally fails a request.
func (q *GormQueue) MarkExecutionFailed(ctx context.Context, id string, cause error) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec executionRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
			}
			return fmt.Errorf("failed to load execution %s: %w", id, err)
		}
		if err := tx.Delete(&executionRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to remove execution %s: %w", id, err)
		}
		result := &resultRecord{
			RequestID:   rec.ID,
			TicketID:    rec.TicketID,
			Status:      string(agent.StatusFailed),
			CompletedAt: now,
		}
		if err := tx.Save(result).Error; err != nil {
			return fmt.Errorf("failed to record failed execution %s: %w", id, err)
		}
		return nil
	})
}

// MarkExecutionCompleted stores the result and removes the request row.
func (q *GormQueue) MarkExecutionCompleted(ctx context.Context, id string, result *workflow.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal execution result: %w", err)
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec executionRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Errorf(types.ErrExecutionNotFound, "execution %s not found", id)
			}
			return fmt.Errorf("failed to load execution %s: %w", id, err)
		}
		if err := tx.Delete(&executionRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to remove execution %s: %w", id, err)
		}
		row := &resultRecord{
			RequestID:   rec.ID,
			TicketID:    rec.TicketID,
			Status:      string(result.Status),
			Result:      data,
			CompletedAt: q.now(),
		}
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("failed to record execution result %s: %w", id, err)
		}
		return nil
	})
}

// Suspend parks the ticket's workflow, replacing any pending request row.
func (q *GormQueue) Suspend(ctx context.Context, sw *workflow.SuspendedWorkflow) error {
	rec, err := toSuspendedRecord(sw)
	if err != nil {
		return err
	}
	if rec.SuspendedAt.IsZero() {
		rec.SuspendedAt = q.now()
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&executionRecord{}, "ticket_id = ?", sw.TicketID).Error; err != nil {
			return fmt.Errorf("failed to remove pending execution for %s: %w", sw.TicketID, err)
		}
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("failed to suspend workflow for %s: %w", sw.TicketID, err)
		}
		return nil
	})
}

// AttachResumeEvent attaches an event tuple to the ticket's suspended row.
// A newer event replaces an unprocessed older one.
func (q *GormQueue) AttachResumeEvent(ctx context.Context, ticketID, eventType string, payload map[string]any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}

	res := q.db.WithContext(ctx).
		Model(&suspendedRecord{}).
		Where("ticket_id = ?", ticketID).
		Updates(map[string]any{
			"event_type":    eventType,
			"event_payload": data,
			"has_event":     true,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to attach event to %s: %w", ticketID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	return nil
}

// SuspendedWithEvents returns up to batchSize suspended workflows with a due
// event, claiming each with a conditional status update.
func (q *GormQueue) SuspendedWithEvents(ctx context.Context, batchSize int) ([]*workflow.SuspendedWorkflow, error) {
	now := q.now()

	var recs []suspendedRecord
	err := q.db.WithContext(ctx).
		Where("status = ? AND has_event = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			rowStatusSuspended, true, now).
		Order("suspended_at").
		Limit(batchSize).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query suspended workflows: %w", err)
	}

	out := make([]*workflow.SuspendedWorkflow, 0, len(recs))
	for i := range recs {
		res := q.db.WithContext(ctx).
			Model(&suspendedRecord{}).
			Where("ticket_id = ? AND status = ?", recs[i].TicketID, rowStatusSuspended).
			Update("status", rowStatusProcessing)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim suspended workflow %s: %w", recs[i].TicketID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		sw, err := fromSuspendedRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, nil
}

// ClearResumeEvent drops a rejected event; the workflow stays suspended.
func (q *GormQueue) ClearResumeEvent(ctx context.Context, ticketID string, cause error) error {
	res := q.db.WithContext(ctx).
		Model(&suspendedRecord{}).
		Where("ticket_id = ?", ticketID).
		Updates(map[string]any{
			"event_type":    "",
			"event_payload": nil,
			"has_event":     false,
			"last_error":    cause.Error(),
			"status":        rowStatusSuspended,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to clear event for %s: %w", ticketID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	return nil
}

// MarkWorkflowResumed removes the suspended row after a successful resume.
func (q *GormQueue) MarkWorkflowResumed(ctx context.Context, ticketID string) error {
	if err := q.db.WithContext(ctx).Delete(&suspendedRecord{}, "ticket_id = ?", ticketID).Error; err != nil {
		return fmt.Errorf("failed to remove suspended workflow %s: %w", ticketID, err)
	}
	return nil
}

// ScheduleResumeRetry mirrors ScheduleRetry for resume attempts. The event
// stays attached so the resume is retried after backoff.
func (q *GormQueue) ScheduleResumeRetry(ctx context.Context, ticketID string, cause error) (bool, error) {
	now := q.now()
	scheduled := false

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec suspendedRecord
		if err := tx.First(&rec, "ticket_id = ?", ticketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
			}
			return fmt.Errorf("failed to load suspended workflow %s: %w", ticketID, err)
		}

		rec.ResumeCount++
		rec.LastError = cause.Error()

		if q.policy.Exhausted(rec.ResumeCount) {
			if err := tx.Delete(&suspendedRecord{}, "ticket_id = ?", ticketID).Error; err != nil {
				return fmt.Errorf("failed to remove exhausted resume %s: %w", ticketID, err)
			}
			q.logger.Warn("resume permanently failed",
				zap.String("ticket_id", ticketID),
				zap.Int("attempts", rec.ResumeCount))
			return nil
		}

		next := now.Add(q.policy.NextDelay(rec.ResumeCount - 1))
		rec.NextRetryAt = &next
		rec.Status = rowStatusSuspended
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to schedule resume retry for %s: %w", ticketID, err)
		}
		scheduled = true
		return nil
	})
	return scheduled, err
}

// MarkWorkflowResumeFailed terminally abandons a suspended workflow.
func (q *GormQueue) MarkWorkflowResumeFailed(ctx context.Context, ticketID string, cause error) error {
	res := q.db.WithContext(ctx).Delete(&suspendedRecord{}, "ticket_id = ?", ticketID)
	if res.Error != nil {
		return fmt.Errorf("failed to abandon suspended workflow %s: %w", ticketID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrWorkflowNotSuspended, "ticket %s has no suspended workflow", ticketID)
	}
	return nil
}

// Result returns the stored terminal result for a request, if any.
func (q *GormQueue) Result(ctx context.Context, requestID string) (*workflow.ExecutionResult, error) {
	var rec resultRecord
	err := q.db.WithContext(ctx).First(&rec, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrExecutionNotFound, "no result for execution %s", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution result %s: %w", requestID, err)
	}

	var result workflow.ExecutionResult
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution result %s: %w", requestID, err)
		}
	} else {
		result.TicketID = rec.TicketID
		result.Status = agent.Status(rec.Status)
	}
	return &result, nil
}
