package storage

import (
	"testing"
	"time"

	"github.com/cuemby/modelctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndLoadQueue(t *testing.T) {
	store := newTestStore(t)

	item := &types.QueuedItem{
		DownloadID:   "org_model-Q4_0",
		RepoID:       "org/model",
		Quantization: "Q4_0",
		EnqueuedAt:   time.Now(),
		Status:       types.StatusQueued,
	}
	require.NoError(t, store.Enqueue(item))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, item.DownloadID, loaded[0].DownloadID)
}

func TestLoadQueueExcludesTerminalItems(t *testing.T) {
	store := newTestStore(t)

	pending := &types.QueuedItem{DownloadID: "pending", Status: types.StatusQueued}
	done := &types.QueuedItem{DownloadID: "done", Status: types.StatusCompleted}
	require.NoError(t, store.Enqueue(pending))
	require.NoError(t, store.Enqueue(done))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "pending", loaded[0].DownloadID)
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t)
	item := &types.QueuedItem{DownloadID: "x", Status: types.StatusQueued}
	require.NoError(t, store.Enqueue(item))

	require.NoError(t, store.UpdateStatus("x", types.StatusDownloading))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, types.StatusDownloading, loaded[0].Status)
}

func TestMarkFailedRecordsHistory(t *testing.T) {
	store := newTestStore(t)
	item := &types.QueuedItem{DownloadID: "x", Status: types.StatusDownloading}
	require.NoError(t, store.Enqueue(item))

	require.NoError(t, store.MarkFailed("x", "hash mismatch"))

	failed, err := store.ListFailed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "hash mismatch", failed[0].Reason)

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, loaded) // now terminal, excluded from LoadQueue
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	item := &types.QueuedItem{DownloadID: "x", Status: types.StatusQueued}
	require.NoError(t, store.Enqueue(item))
	require.NoError(t, store.Remove("x"))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPruneCompletedByAge(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.MarkFailed("old", "boom"))

	count, err := store.PruneCompleted(-1) // cutoff in the future: everything is "older"
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	failed, err := store.ListFailed()
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestShardItemIDsAreDistinct(t *testing.T) {
	store := newTestStore(t)
	shard0 := &types.QueuedItem{DownloadID: "g", GroupID: "g", Shard: &types.ShardInfo{Index: 0, Total: 2}, Status: types.StatusQueued}
	shard1 := &types.QueuedItem{DownloadID: "g", GroupID: "g", Shard: &types.ShardInfo{Index: 1, Total: 2}, Status: types.StatusQueued}
	require.NoError(t, store.Enqueue(shard0))
	require.NoError(t, store.Enqueue(shard1))

	loaded, err := store.LoadQueue()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}
