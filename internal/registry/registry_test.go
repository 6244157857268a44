package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tryon/internal/errors"
)

func newTestRegistry(t *testing.T, capacity int) *Registry {
	t.Helper()
	return New(t.TempDir(), capacity, nil)
}

func TestCreateAssignsIDAndDir(t *testing.T) {
	r := newTestRegistry(t, 0)

	record, evicted, err := r.Create(KindAccessory)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, KindAccessory, record.Kind)
	assert.Equal(t, StatePending, record.State)
	assert.Equal(t, 0, record.Progress)
	assert.False(t, record.CreatedAt.IsZero())

	info, err := os.Stat(record.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	r := newTestRegistry(t, 0)
	_, _, err := r.Create(TaskKind("hat"))
	require.Error(t, err)

	var invalid *apperrors.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestCreateEvictsOldestAtCapacity(t *testing.T) {
	r := newTestRegistry(t, 3)

	var ids []string
	var dirs []string
	for i := 0; i < 3; i++ {
		record, evicted, err := r.Create(KindClothing)
		require.NoError(t, err)
		assert.Empty(t, evicted)
		ids = append(ids, record.ID)
		dirs = append(dirs, record.Dir)
		time.Sleep(2 * time.Millisecond) // distinct creation times
	}

	record, evicted, err := r.Create(KindClothing)
	require.NoError(t, err)
	assert.Equal(t, ids[0], evicted, "eviction must remove the single oldest record")
	assert.Equal(t, 3, r.Len())

	_, ok := r.Get(ids[0])
	assert.False(t, ok)
	_, ok = r.Get(record.ID)
	assert.True(t, ok)

	// Evicted working directory is gone, the newest exists.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(dirs[0])
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestCreateDirFailureStillRemovesEvictedDir(t *testing.T) {
	root := t.TempDir()
	r := New(root, 1, nil)

	first, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	// A regular file where the new task dir should go makes MkdirAll fail
	// after the eviction has already been committed.
	require.NoError(t, os.WriteFile(filepath.Join(root, "blocked"), nil, 0o644))

	_, err = r.CreateWithID("blocked", KindAccessory)
	require.Error(t, err)

	_, ok := r.Get(first.ID)
	assert.False(t, ok, "evicted record must stay gone")
	assert.Eventually(t, func() bool {
		_, statErr := os.Stat(first.Dir)
		return os.IsNotExist(statErr)
	}, time.Second, 10*time.Millisecond, "evicted working directory must not leak")
}

func TestCapacityNeverExceededUnderConcurrentCreate(t *testing.T) {
	const capacity = 5
	r := newTestRegistry(t, capacity)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Create(KindAccessory)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, r.Len())
}

func TestCreateWithIDResurrectsTask(t *testing.T) {
	r := newTestRegistry(t, 0)

	record, err := r.CreateWithID("restored-task", KindAccessory)
	require.NoError(t, err)
	assert.Equal(t, "restored-task", record.ID)

	got, ok := r.Get("restored-task")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)

	// Duplicate ids are rejected.
	_, err = r.CreateWithID("restored-task", KindAccessory)
	assert.Error(t, err)
}

func TestCreateWithIDRejectsPathTraversal(t *testing.T) {
	r := newTestRegistry(t, 0)
	for _, id := range []string{"", "../evil", "a/b", `a\b`} {
		_, err := r.CreateWithID(id, KindClothing)
		assert.Error(t, err, "id %q", id)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	r.SetProcessing(record.ID, "working")
	ok := r.SetResult(record.ID, Result{JobID: "j1", Images: []string{"a.png"}, Category: "necklace", Placement: "neck"})
	require.True(t, ok)

	first, ok := r.Get(record.ID)
	require.True(t, ok)
	// Mutating the snapshot must not leak into the registry.
	first.Result.Images[0] = "tampered.png"
	first.Message = "tampered"

	second, ok := r.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, "a.png", second.Result.Images[0])
	assert.NotEqual(t, "tampered", second.Message)
}

func TestResetPreservesIdentityAndInputs(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	inputs := InputPaths{Subject: "s.png", Person: "p.png", Detail: "d.png"}
	r.SetInputs(record.ID, inputs)
	r.SetProcessing(record.ID, "working")
	require.True(t, r.SetError(record.ID, "remote exploded"))

	reset, err := r.Reset(record.ID)
	require.NoError(t, err)

	assert.Equal(t, record.ID, reset.ID)
	assert.Equal(t, record.Kind, reset.Kind)
	assert.Equal(t, record.Dir, reset.Dir)
	assert.Equal(t, StatePending, reset.State)
	assert.Equal(t, 0, reset.Progress)
	assert.Nil(t, reset.Result)
	assert.Empty(t, reset.ErrorMsg)
	assert.Equal(t, ResolvedAttrs{}, reset.Attrs)
	assert.Equal(t, inputs, reset.Inputs)
}

func TestResetUnknownTask(t *testing.T) {
	r := newTestRegistry(t, 0)
	_, err := r.Reset("nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResetRejectedWhileProcessing(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindClothing)
	require.NoError(t, err)
	r.SetProcessing(record.ID, "working")

	_, err = r.Reset(record.ID)
	require.Error(t, err)

	var invalid *apperrors.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestTerminalTransitionHappensAtMostOnce(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindAccessory)
	require.NoError(t, err)
	r.SetProcessing(record.ID, "working")

	require.True(t, r.SetResult(record.ID, Result{JobID: "j1"}))
	assert.False(t, r.SetError(record.ID, "late failure"), "second terminal transition must be dropped")
	assert.False(t, r.SetResult(record.ID, Result{JobID: "j2"}))

	got, ok := r.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "j1", got.Result.JobID)
	assert.Empty(t, got.ErrorMsg)
}

func TestProgressDroppedAfterTerminal(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	require.True(t, r.SetError(record.ID, "boom"))
	r.UpdateProgress(record.ID, "late progress", 60)

	got, ok := r.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.NotEqual(t, 60, got.Progress)
	assert.NotEqual(t, "late progress", got.Message)
}

func TestDeleteRemovesRecordAndDir(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindClothing)
	require.NoError(t, err)

	require.True(t, r.Delete(record.ID))
	_, ok := r.Get(record.ID)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(record.Dir)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	assert.False(t, r.Delete(record.ID), "second delete finds nothing")
}

func TestDeleteOrphanedDirectory(t *testing.T) {
	root := t.TempDir()
	r := New(root, 0, nil)

	orphan := filepath.Join(root, "orphan-task")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	assert.True(t, r.Delete("orphan-task"))
	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesOnlyStrictlyOlder(t *testing.T) {
	r := newTestRegistry(t, 0)

	oldRecord, _, err := r.Create(KindAccessory)
	require.NoError(t, err)
	boundary, _, err := r.Create(KindAccessory)
	require.NoError(t, err)
	fresh, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	maxAge := 2 * time.Hour
	now := time.Now()
	r.mu.Lock()
	r.tasks[oldRecord.ID].CreatedAt = now.Add(-3 * time.Hour)
	r.tasks[boundary.ID].CreatedAt = now.Add(-maxAge) // age == maxAge is retained
	r.mu.Unlock()

	removed := r.Sweep(maxAge)
	assert.Equal(t, 1, removed)

	_, ok := r.Get(oldRecord.ID)
	assert.False(t, ok)
	_, ok = r.Get(boundary.ID)
	assert.True(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
}

func TestSweepEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t, 0)
	assert.Equal(t, 0, r.Sweep(time.Hour))
}

func TestConcurrentGetDuringMutation(t *testing.T) {
	r := newTestRegistry(t, 0)
	record, _, err := r.Create(KindAccessory)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			r.UpdateProgress(record.ID, fmt.Sprintf("step %d", i), i%101)
		}
	}()

	for i := 0; i < 500; i++ {
		got, ok := r.Get(record.ID)
		require.True(t, ok)
		assert.GreaterOrEqual(t, got.Progress, 0)
		assert.LessOrEqual(t, got.Progress, 100)
	}
	<-done
}
