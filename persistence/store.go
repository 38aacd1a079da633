package persistence

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/ticket"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

// StoreType selects the storage backend.
type StoreType string

const (
	// StoreTypeMemory keeps everything in process memory. For development
	// and testing.
	StoreTypeMemory StoreType = "memory"
	// StoreTypeSQLite is a single-node SQL backend via GORM.
	StoreTypeSQLite StoreType = "sqlite"
	// StoreTypeRedis is a distributed backend for checkpoints; queue and
	// tickets stay on SQL.
	StoreTypeRedis StoreType = "redis"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix namespaces all keys; defaults to "prfactory:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// CheckpointTTL bounds how long unconsumed checkpoints live. Zero means
	// no expiry.
	CheckpointTTL time.Duration `json:"checkpoint_ttl" yaml:"checkpoint_ttl"`
}

// StoreConfig is the storage configuration for all engine stores.
type StoreConfig struct {
	// Type is the storage backend type.
	Type StoreType `json:"type" yaml:"type"`

	// Path is the SQLite database file; ":memory:" for ephemeral.
	Path string `json:"path" yaml:"path"`

	// Redis configuration, used when Type is "redis".
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Retry configures execution and resume backoff.
	Retry workflow.RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultStoreConfig returns an in-memory configuration with default retry
// backoff.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:  StoreTypeMemory,
		Retry: workflow.DefaultRetryPolicy(),
	}
}

// Stores bundles the engine's storage dependencies, built from one config.
type Stores struct {
	Checkpoints agent.CheckpointStore
	Queue       workflow.ExecutionQueue
	Tickets     ticket.Repository

	db    *gorm.DB
	redis *RedisCheckpointStore
}

// NewStores creates the checkpoint store, execution queue, and ticket
// repository for the configured backend.
func NewStores(cfg StoreConfig, logger *zap.Logger) (*Stores, error) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = workflow.DefaultRetryPolicy()
	}

	switch cfg.Type {
	case StoreTypeMemory, "":
		return &Stores{
			Checkpoints: NewMemoryCheckpointStore(),
			Queue:       NewMemoryQueue(cfg.Retry, logger),
			Tickets:     NewMemoryTicketRepository(),
		}, nil

	case StoreTypeSQLite:
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Checkpoints: NewGormCheckpointStore(db),
			Queue:       NewGormQueue(db, cfg.Retry, logger),
			Tickets:     NewGormTicketRepository(db),
			db:          db,
		}, nil

	case StoreTypeRedis:
		rcs, err := NewRedisCheckpointStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			_ = rcs.Close()
			return nil, err
		}
		return &Stores{
			Checkpoints: rcs,
			Queue:       NewGormQueue(db, cfg.Retry, logger),
			Tickets:     NewGormTicketRepository(db),
			db:          db,
			redis:       rcs,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// Close releases backend connections.
func (s *Stores) Close() error {
	var firstErr error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
