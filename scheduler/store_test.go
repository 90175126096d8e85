package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/conductor/automation"
)

func stateStores(t *testing.T) map[string]StateStore {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileStateStore(filepath.Join(dir, "state", "scheduler.json"))
	require.NoError(t, err)
	sqlStore, err := OpenSQLiteStateStore(context.Background(), filepath.Join(dir, "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]StateStore{
		"memory": NewMemoryStateStore(),
		"file":   file,
		"sql":    sqlStore,
	}
}

func entry(id string, seq int64) Entry {
	return Entry{
		Sequence:       seq,
		EventID:        id,
		Source:         automation.SourceAutomation,
		RunID:          "run-" + id,
		Status:         EntryProcessed,
		RunStatus:      automation.StatusFailed,
		Attempt:        1,
		MaxAttempts:    3,
		RequestPayload: automationPayload("run-" + id),
		TimestampMs:    startMs,
	}
}

func TestStateStores(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.HasProcessedEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.StoreProcessedEvent(ctx, entry("evt-2", 1)))
			require.NoError(t, store.StoreProcessedEvent(ctx, entry("evt-1", 0)))
			ok, err = store.HasProcessedEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, ok)

			processed, err := store.ListProcessedEvents(ctx)
			require.NoError(t, err)
			require.Len(t, processed, 2)
			assert.Equal(t, "evt-1", processed[0].EventID)
			assert.Equal(t, "evt-2", processed[1].EventID)
			assert.JSONEq(t, string(automationPayload("run-evt-1")), string(processed[0].RequestPayload))

			// Storing again replaces the entry.
			updated := entry("evt-1", 0)
			updated.Disposition = DispositionDeadLettered
			require.NoError(t, store.StoreProcessedEvent(ctx, updated))
			processed, err = store.ListProcessedEvents(ctx)
			require.NoError(t, err)
			require.Len(t, processed, 2)
			assert.Equal(t, DispositionDeadLettered, processed[0].Disposition)

			retry := entry("evt-1", 0)
			retry.Status, retry.NextAttempt, retry.RetryAtMs = EntryPendingRetry, 2, startMs+1000
			require.NoError(t, store.StoreRetryEvent(ctx, retry))
			retries, err := store.ListRetryEvents(ctx)
			require.NoError(t, err)
			require.Len(t, retries, 1)
			assert.Equal(t, startMs+1000, retries[0].RetryAtMs)

			// Retry and dead-letter are exclusive per event id.
			dead := entry("evt-1", 0)
			dead.Status = EntryDeadLettered
			require.NoError(t, store.StoreDeadLetterEvent(ctx, dead))
			retries, err = store.ListRetryEvents(ctx)
			require.NoError(t, err)
			assert.Empty(t, retries)
			deadLetters, err := store.ListDeadLetterEvents(ctx)
			require.NoError(t, err)
			require.Len(t, deadLetters, 1)

			require.NoError(t, store.StoreRetryEvent(ctx, retry))
			deadLetters, err = store.ListDeadLetterEvents(ctx)
			require.NoError(t, err)
			assert.Empty(t, deadLetters)

			removed, err := store.RemoveRetryEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = store.RemoveRetryEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, removed)
			removed, err = store.RemoveDeadLetterEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestFileStateStore_SharedBetweenInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	a, err := NewFileStateStore(path)
	require.NoError(t, err)
	b, err := NewFileStateStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.StoreProcessedEvent(ctx, entry("evt-1", 0)))
	ok, err := b.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.StoreDeadLetterEvent(ctx, entry("evt-1", 0)))
	removed, err := a.RemoveDeadLetterEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestFileStateStore_MissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStateStore(filepath.Join(t.TempDir(), "nested", "scheduler.json"))
	require.NoError(t, err)
	entries, err := store.ListRetryEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLStateStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.db")
	ctx := context.Background()
	store, err := OpenSQLiteStateStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.StoreProcessedEvent(ctx, entry("evt-1", 4)))
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStateStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	ok, err := store.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateway_FileStoreContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	store, err := NewFileStateStore(path)
	require.NoError(t, err)
	require.NoError(t, store.StoreProcessedEvent(context.Background(), entry("old", 9)))

	f := newFixture(t, WithStateStore(store))
	_, err = f.gateway.Process(context.Background(), automationEvent("evt-1", "run-1"))
	require.NoError(t, err)

	items := f.queue(t, QueueProcessed).Items
	require.Len(t, items, 2)
	assert.Equal(t, "evt-1", items[1].EventID)
	assert.Equal(t, int64(10), items[1].Sequence)
}
