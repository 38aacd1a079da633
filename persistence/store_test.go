package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikaelliljedahl/prfactory/ticket"
)

func TestNewStores_Memory(t *testing.T) {
	t.Parallel()

	s, err := NewStores(DefaultStoreConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.IsType(t, &MemoryCheckpointStore{}, s.Checkpoints)
	assert.IsType(t, &MemoryQueue{}, s.Queue)
	assert.IsType(t, &MemoryTicketRepository{}, s.Tickets)

	// An empty type means memory too.
	s2, err := NewStores(StoreConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	assert.IsType(t, &MemoryQueue{}, s2.Queue)
}

func TestNewStores_SQLite(t *testing.T) {
	t.Parallel()

	cfg := StoreConfig{Type: StoreTypeSQLite, Path: filepath.Join(t.TempDir(), "prfactory.db")}
	s, err := NewStores(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.IsType(t, &GormCheckpointStore{}, s.Checkpoints)
	assert.IsType(t, &GormQueue{}, s.Queue)

	// The bundle is usable end to end.
	require.NoError(t, s.Tickets.Save(context.Background(),
		ticket.New("t-1", "acme", "acme/api", "smoke")))
	got, err := s.Tickets.Load(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, ticket.StateTriggered, got.State)
}

func TestNewStores_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := NewStores(StoreConfig{Type: "cassandra"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store type")
}
