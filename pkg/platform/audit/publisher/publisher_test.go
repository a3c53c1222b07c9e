package publisher

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verity/pkg/domain"
	audit "verity/pkg/platform/audit"
	auditmemory "verity/pkg/platform/audit/store/memory"
	txcontext "verity/pkg/platform/tx"
)

func TestSyncEmit(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	publisher := NewPublisher(store)
	entityID := domain.EntityID(uuid.New())

	err := publisher.Emit(context.Background(), audit.Event{
		Action:   string(audit.EventEntityMerged),
		EntityID: entityID,
	})
	require.NoError(t, err)

	events := store.All()
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryLineage, events[0].Category, "category filled from the action")
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp filled when absent")
}

func TestEmitPreservesExplicitFields(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	publisher := NewPublisher(store)
	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := publisher.Emit(context.Background(), audit.Event{
		Action:    string(audit.EventEntityResolved),
		Timestamp: pinned,
		Category:  audit.CategoryLineage,
	})
	require.NoError(t, err)

	events := store.All()
	require.Len(t, events, 1)
	assert.Equal(t, pinned, events[0].Timestamp)
	assert.Equal(t, audit.CategoryLineage, events[0].Category)
}

func TestAsyncEmitDrainsOnClose(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	publisher := NewPublisher(store, WithAsyncBuffer(16))

	for i := 0; i < 10; i++ {
		require.NoError(t, publisher.Emit(context.Background(), audit.Event{
			Action: string(audit.EventEntityCreated),
		}))
	}
	publisher.Close()

	assert.Len(t, store.All(), 10)
}

func TestTransactionalEmitBypassesBuffer(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	publisher := NewPublisher(store, WithAsyncBuffer(16))
	defer publisher.Close()

	ctx := txcontext.WithTx(context.Background(), new(sql.Tx))
	require.NoError(t, publisher.Emit(ctx, audit.Event{
		Action: string(audit.EventEntityMerged),
	}))

	// Appended inline, visible before any drain.
	assert.Len(t, store.All(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	publisher := NewPublisher(auditmemory.NewInMemoryStore(), WithAsyncBuffer(1))
	publisher.Close()
	publisher.Close()

	var nilPublisher *Publisher
	nilPublisher.Close()
}

func TestListDelegatesToStore(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	publisher := NewPublisher(store)
	entityID := domain.EntityID(uuid.New())

	require.NoError(t, publisher.Emit(context.Background(), audit.Event{
		Action:   string(audit.EventEntityCreated),
		EntityID: entityID,
	}))
	require.NoError(t, publisher.Emit(context.Background(), audit.Event{
		Action:   string(audit.EventEntityCreated),
		EntityID: domain.EntityID(uuid.New()),
	}))

	events, err := publisher.List(context.Background(), entityID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
