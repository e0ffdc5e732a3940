package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws := NewWorkspace(t.TempDir())
	require.NoError(t, ws.Create())
	return ws
}

func testLocations() []domain.Location {
	alt := 120.0
	return []domain.Location{
		{ID: "paris", Latitude: 48.8566, Longitude: 2.3522, Altitude: &alt},
		{ID: "nairobi", Latitude: -1.2921, Longitude: 36.8219},
	}
}

func TestWorkspace_Initialized(t *testing.T) {
	ws := newTestWorkspace(t)

	ok, err := ws.Initialized()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(ws.ConfigPath(), []byte("sky_type: mcclear\n"), 0o644))
	ok, err = ws.Initialized()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkspace_WriteReadBatch(t *testing.T) {
	ws := newTestWorkspace(t)
	file := domain.BatchFileName(1)

	require.NoError(t, ws.WriteBatch(file, testLocations()))
	assert.FileExists(t, filepath.Join(ws.UnprocessedPath(), file))

	got, err := ws.ReadBatch(file)
	require.NoError(t, err)
	assert.Equal(t, testLocations(), got)

	// Still readable after it moves.
	require.NoError(t, ws.MarkProcessed(file))
	got, err = ws.ReadBatch(file)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestWorkspace_ReadBatchMissing(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := ws.ReadBatch(domain.BatchFileName(3))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWorkspace_MarkProcessedAndBack(t *testing.T) {
	ws := newTestWorkspace(t)
	file := domain.BatchFileName(1)
	require.NoError(t, ws.WriteBatch(file, testLocations()))

	require.NoError(t, ws.MarkProcessed(file))
	ok, err := ws.IsProcessed(file)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, filepath.Join(ws.UnprocessedPath(), file))

	// Repeating the move is a no-op.
	require.NoError(t, ws.MarkProcessed(file))

	require.NoError(t, ws.MarkUnprocessed(file))
	ok, err = ws.IsProcessed(file)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkspace_Reconcile(t *testing.T) {
	ws := newTestWorkspace(t)
	for id := 1; id <= 3; id++ {
		require.NoError(t, ws.WriteBatch(domain.BatchFileName(id), testLocations()))
	}
	// Batch 2 was moved but never marked done; batch 1 is done but not moved.
	require.NoError(t, ws.MarkProcessed(domain.BatchFileName(2)))

	batches := []domain.Batch{
		{ID: 1, File: domain.BatchFileName(1), Status: domain.BatchDone},
		{ID: 2, File: domain.BatchFileName(2), Status: domain.BatchPending},
		{ID: 3, File: domain.BatchFileName(3), Status: domain.BatchPending},
	}
	moved, err := ws.Reconcile(batches)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	for _, b := range batches {
		processed, err := ws.IsProcessed(b.File)
		require.NoError(t, err)
		assert.Equal(t, b.Status == domain.BatchDone, processed, "batch %d", b.ID)
	}

	moved, err = ws.Reconcile(batches)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestWorkspace_ReconcileMissingFile(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := ws.Reconcile([]domain.Batch{{ID: 4, File: domain.BatchFileName(4), Status: domain.BatchPending}})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWorkspace_ReconcileStatError(t *testing.T) {
	ws := newTestWorkspace(t)
	file := domain.BatchFileName(1)
	require.NoError(t, ws.WriteBatch(file, testLocations()))

	// processed/ replaced by a regular file: stat fails with ENOTDIR.
	require.NoError(t, os.Remove(ws.ProcessedPath()))
	require.NoError(t, os.WriteFile(ws.ProcessedPath(), []byte("x"), 0o644))

	moved, err := ws.Reconcile([]domain.Batch{{ID: 1, File: file, Status: domain.BatchDone}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, moved)
	assert.FileExists(t, filepath.Join(ws.UnprocessedPath(), file))
}

func TestWorkspace_RemoveStale(t *testing.T) {
	ws := newTestWorkspace(t)
	stale := filepath.Join(ws.ResultsPath(), ".cams_batch_0001.csv.tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	removed, err := ws.RemoveStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
}
