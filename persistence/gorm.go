package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/types"
)

// checkpointRecord is the GORM model backing checkpoints.
type checkpointRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TicketID  string    `gorm:"index;size:64"`
	AgentName string    `gorm:"size:128"`
	NodeID    string    `gorm:"size:128"`
	NextNode  string    `gorm:"size:128"`
	State     []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"index"`
	Consumed  bool
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// ticketRecord is the GORM model backing tickets. History is stored as JSON.
type ticketRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	TenantID   string `gorm:"index;size:64"`
	Repository string `gorm:"size:256"`
	Title      string `gorm:"size:512"`
	State      string `gorm:"size:32"`
	History    []byte `gorm:"type:blob"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ticketRecord) TableName() string { return "tickets" }

// OpenSQLite opens (or creates) a SQLite database and migrates the engine's
// tables. Pass ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the engine's tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&checkpointRecord{},
		&ticketRecord{},
		&executionRecord{},
		&suspendedRecord{},
		&resultRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// GormCheckpointStore is a SQL-backed CheckpointStore.
type GormCheckpointStore struct {
	db *gorm.DB
}

// NewGormCheckpointStore creates a checkpoint store on an opened database.
func NewGormCheckpointStore(db *gorm.DB) *GormCheckpointStore {
	return &GormCheckpointStore{db: db}
}

func toCheckpointRecord(cp *agent.Checkpoint) *checkpointRecord {
	return &checkpointRecord{
		ID:        cp.ID,
		TicketID:  cp.TicketID,
		AgentName: cp.AgentName,
		NodeID:    cp.NodeID,
		NextNode:  cp.NextNode,
		State:     []byte(cp.State),
		CreatedAt: cp.CreatedAt,
		Consumed:  cp.Consumed,
	}
}

func fromCheckpointRecord(rec *checkpointRecord) *agent.Checkpoint {
	return &agent.Checkpoint{
		ID:        rec.ID,
		TicketID:  rec.TicketID,
		AgentName: rec.AgentName,
		NodeID:    rec.NodeID,
		NextNode:  rec.NextNode,
		State:     json.RawMessage(rec.State),
		CreatedAt: rec.CreatedAt,
		Consumed:  rec.Consumed,
	}
}

// Save persists a checkpoint, upserting on ID.
func (s *GormCheckpointStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	rec := toCheckpointRecord(cp)
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load retrieves a checkpoint by ID.
func (s *GormCheckpointStore) Load(ctx context.Context, id string) (*agent.Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return fromCheckpointRecord(&rec), nil
}

// LoadLatest retrieves the most recently created checkpoint for a ticket.
func (s *GormCheckpointStore) LoadLatest(ctx context.Context, ticketID string) (*agent.Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "no checkpoints for ticket %s", ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints for ticket %s: %w", ticketID, err)
	}
	return fromCheckpointRecord(&rec), nil
}

// MarkConsumed flags a checkpoint as used.
func (s *GormCheckpointStore) MarkConsumed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&checkpointRecord{}).
		Where("id = ?", id).
		Update("consumed", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark checkpoint %s consumed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrCheckpointNotFound, "checkpoint %s not found", id)
	}
	return nil
}

// Delete removes a checkpoint.
func (s *GormCheckpointStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// GormTicketRepository is a SQL-backed ticket.Repository.
type GormTicketRepository struct {
	db *gorm.DB
}

// NewGormTicketRepository creates a ticket repository on an opened database.
func NewGormTicketRepository(db *gorm.DB) *GormTicketRepository {
	return &GormTicketRepository{db: db}
}

// Load retrieves a ticket by ID.
func (r *GormTicketRepository) Load(ctx context.Context, id string) (*ticket.Ticket, error) {
	var rec ticketRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrTicketNotFound, "ticket %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s: %w", id, err)
	}
	return fromTicketRecord(&rec)
}

// Save persists a ticket, upserting on ID.
func (r *GormTicketRepository) Save(ctx context.Context, t *ticket.Ticket) error {
	rec, err := toTicketRecord(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save ticket %s: %w", t.ID, err)
	}
	return nil
}

// List returns all tickets for a tenant, ordered by ID. An empty tenant lists
// everything.
func (r *GormTicketRepository) List(ctx context.Context, tenantID string) ([]*ticket.Ticket, error) {
	q := r.db.WithContext(ctx).Order("id")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var recs []ticketRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}

	out := make([]*ticket.Ticket, 0, len(recs))
	for i := range recs {
		t, err := fromTicketRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func toTicketRecord(t *ticket.Ticket) (*ticketRecord, error) {
	history, err := json.Marshal(t.History)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket history: %w", err)
	}
	return &ticketRecord{
		ID:         t.ID,
		TenantID:   t.TenantID,
		Repository: t.Repository,
		Title:      t.Title,
		State:      string(t.State),
		History:    history,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}, nil
}

func fromTicketRecord(rec *ticketRecord) (*ticket.Ticket, error) {
	t := &ticket.Ticket{
		ID:         rec.ID,
		TenantID:   rec.TenantID,
		Repository: rec.Repository,
		Title:      rec.Title,
		State:      ticket.WorkflowState(rec.State),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if len(rec.History) > 0 {
		if err := json.Unmarshal(rec.History, &t.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ticket history: %w", err)
		}
	}
	return t, nil
}
