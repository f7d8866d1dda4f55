package jobstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.UpdateStatus(ctx, "job-1", StatusExtracting))
	status, _, _ := store.JobStatus("job-1")
	assert.Equal(t, StatusExtracting, status)

	require.NoError(t, store.RecordResult(ctx, "job-1", "archives/ab/fitbit-abc.tar.gz"))
	status, _, key := store.JobStatus("job-1")
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "archives/ab/fitbit-abc.tar.gz", key)

	require.NoError(t, store.RecordFailure(ctx, "job-2", "auth_expired"))
	status, reason, _ := store.JobStatus("job-2")
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, "auth_expired", reason)
}

func TestMemoryStore_UploadRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("absent record is nil", func(t *testing.T) {
		rec, err := store.GetUploadRecord(ctx, "arch-0")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		require.NoError(t, store.CreateUploadRecord(ctx, "arch-1", "key-1"))
		require.NoError(t, store.CreateUploadRecord(ctx, "arch-1", "key-other"))

		rec, err := store.GetUploadRecord(ctx, "arch-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "key-1", rec.StorageKey, "first writer's key wins")
		assert.Equal(t, UploadPending, rec.Status)
	})

	t.Run("only one commit wins", func(t *testing.T) {
		require.NoError(t, store.CreateUploadRecord(ctx, "arch-2", "key-2"))

		committed, err := store.CommitUploadRecord(ctx, "arch-2")
		require.NoError(t, err)
		assert.True(t, committed)

		committed, err = store.CommitUploadRecord(ctx, "arch-2")
		require.NoError(t, err)
		assert.False(t, committed, "a committed record cannot transition twice")
	})

	t.Run("commit of unknown archive is a no-op", func(t *testing.T) {
		committed, err := store.CommitUploadRecord(ctx, "arch-unknown")
		require.NoError(t, err)
		assert.False(t, committed)
	})
}

func TestMemoryStore_ConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateUploadRecord(ctx, "arch-race", "key"))

	const racers = 16
	wins := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			committed, err := store.CommitUploadRecord(ctx, "arch-race")
			require.NoError(t, err)
			wins <- committed
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one racer may perform the commit")
}
