package projectstorage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-storage/project-storage/internal/db/models"
	"github.com/project-storage/project-storage/internal/storage"
)

func TestSweepUnused_GraceWindow(t *testing.T) {
	e := newObjectEnv(t)
	ctx := context.Background()
	created := projectCreated.Add(time.Hour)
	e.files.rows = []models.File{{ID: idA, UpdatedAt: created}}
	_, err := e.ps.UploadFromRequest(ctx, idA, storage.GroupUploads, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	e.ps.now = func() time.Time { return created.Add(4 * time.Minute) }
	n, err := e.ps.SweepUnused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep at T+4min")
	assert.Len(t, e.backend.objects, 1)

	e.ps.now = func() time.Time { return created.Add(6 * time.Minute) }
	n, err = e.ps.SweepUnused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "sweep at T+6min")
	assert.Empty(t, e.backend.objects)
	assert.Equal(t, []string{idA}, e.files.deleted)
}

func TestSweepUnused_SkipsFailures(t *testing.T) {
	e := newObjectEnv(t)
	now := projectCreated.Add(time.Hour)
	e.ps.now = func() time.Time { return now }
	e.files.rows = []models.File{
		{ID: "not-a-file-id", UpdatedAt: now.Add(-time.Hour)},
		{ID: idB, UpdatedAt: now.Add(-time.Hour)},
	}

	n, err := e.ps.SweepUnused(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{idB}, e.files.deleted)
}

func TestSweepUnused_ListFailure(t *testing.T) {
	e := newObjectEnv(t)
	e.files.listErr = errBoom
	_, err := e.ps.SweepUnused(context.Background())
	assert.ErrorIs(t, err, storage.ErrInternal)
}

func TestTrash_Local(t *testing.T) {
	e := newLocalEnv(t)
	ctx := context.Background()
	_, err := e.ps.UploadFromRequest(ctx, idA, storage.GroupUploads, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	e.ps.now = func() time.Time { return time.Unix(1700000500, 0) }
	e.ps.Trash(ctx)

	_, err = os.Stat(filepath.Join(e.root, "demo"))
	assert.True(t, os.IsNotExist(err), "project directory should be renamed")
	_, err = os.Stat(filepath.Join(e.root, "demo.1700000500.trash", "uploads", "aa", idA))
	assert.NoError(t, err)

	// nothing left under the original name
	e.ps.Trash(ctx)
	entries, err := os.ReadDir(e.root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTrash_ObjectIsNoop(t *testing.T) {
	e := newObjectEnv(t)
	ctx := context.Background()
	_, err := e.ps.UploadFromRequest(ctx, idA, storage.GroupUploads, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	calls := e.backend.callCount()
	e.ps.Trash(ctx)
	assert.Equal(t, calls, e.backend.callCount())
	assert.Len(t, e.backend.objects, 1)
}

func TestFillOnce_ConcurrentFills(t *testing.T) {
	var f fillOnce[int]
	done := make(chan int, 8)
	for i := range 8 {
		go func() {
			v, _ := f.get(func() (int, error) { return i, nil })
			done <- v
		}()
	}
	first := <-done
	for range 7 {
		assert.Equal(t, first, <-done)
	}
}
