package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/types"
)

// RedisCheckpointStore is a Redis-based CheckpointStore for distributed
// deployments. Checkpoints are stored as JSON values with a per-ticket sorted
// set indexed by creation time, so LoadLatest is a single ZREVRANGE.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCheckpointStore creates a Redis-backed checkpoint store and verifies
// connectivity with a ping.
func NewRedisCheckpointStore(cfg RedisConfig) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "prfactory:"
	}

	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		ttl:       cfg.CheckpointTTL,
	}, nil
}

// NewRedisCheckpointStoreWithClient wraps an existing client; used by tests
// with miniredis.
func NewRedisCheckpointStoreWithClient(client *redis.Client, keyPrefix string) *RedisCheckpointStore {
	if keyPrefix == "" {
		keyPrefix = "prfactory:"
	}
	return &RedisCheckpointStore{client: client, keyPrefix: keyPrefix + "checkpoint:"}
}

// Close closes the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// Ping checks store health.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCheckpointStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisCheckpointStore) ticketKey(ticketID string) string {
	return s.keyPrefix + "ticket:" + ticketID
}

// Save persists a checkpoint and indexes it under its ticket.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(cp.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.ticketKey(cp.TicketID), redis.Z{
		Score:  float64(cp.CreatedAt.UnixNano()),
		Member: cp.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.ticketKey(cp.TicketID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load retrieves a checkpoint by ID.
func (s *RedisCheckpointStore) Load(ctx context.Context, id string) (*agent.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}

	var cp agent.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// LoadLatest retrieves the most recently created checkpoint for a ticket.
func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, ticketID string) (*agent.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.ticketKey(ticketID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints for ticket %s: %w", ticketID, err)
	}
	if len(ids) == 0 {
		return nil, types.Errorf(types.ErrCheckpointNotFound, "no checkpoints for ticket %s", ticketID)
	}
	return s.Load(ctx, ids[0])
}

// MarkConsumed flags a checkpoint as used.
func (s *RedisCheckpointStore) MarkConsumed(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	cp.Consumed = true

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.dataKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark checkpoint %s consumed: %w", id, err)
	}
	return nil
}

// Delete removes a checkpoint and its ticket index entry.
func (s *RedisCheckpointStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if err != nil {
		if types.HasCode(err, types.ErrCheckpointNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.ticketKey(cp.TicketID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}
