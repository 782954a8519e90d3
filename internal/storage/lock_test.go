package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResource(objectID string) Resource {
	return Resource{
		Scope:     Scope{TenantID: "t1", UserID: "u1"},
		ObjectID:  objectID,
		Operation: "append",
	}
}

func newTestLockManager(t *testing.T, timeout time.Duration) *LockManager {
	t.Helper()
	return NewLockManager(filepath.Join(t.TempDir(), ".locks"), timeout)
}

func TestLockAcquireRelease(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)
	assert.Equal(t, res.String(), lock.Resource)
	assert.NotEmpty(t, lock.HolderID)
	assert.Equal(t, DefaultLockTimeout, lock.Timeout)
	assert.FileExists(t, lm.lockPath(res))

	require.NoError(t, lm.Release(lock))
	assert.NoFileExists(t, lm.lockPath(res))
}

func TestLockAcquireBusy(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)

	_, err = lm.Acquire(res)
	require.ErrorIs(t, err, ErrLockBusy)
	// Busy detail names the owning holder
	assert.Contains(t, err.Error(), lock.HolderID)

	require.NoError(t, lm.Release(lock))
}

func TestLockIndependentResources(t *testing.T) {
	lm := newTestLockManager(t, 0)

	// Distinct object ids in the same scope hold independent locks
	a, err := lm.Acquire(testResource("obj-a"))
	require.NoError(t, err)
	b, err := lm.Acquire(testResource("obj-b"))
	require.NoError(t, err)

	require.NoError(t, lm.Release(a))
	require.NoError(t, lm.Release(b))
}

func TestLockSelfHealExpired(t *testing.T) {
	lm := newTestLockManager(t, 20*time.Millisecond)
	res := testResource("obj-1")

	stale, err := lm.Acquire(res)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// The expired lock is transparently removed and superseded
	fresh, err := lm.Acquire(res)
	require.NoError(t, err)
	assert.NotEqual(t, stale.HolderID, fresh.HolderID)

	require.NoError(t, lm.Release(fresh))
}

func TestLockSelfHealCorrupted(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	path := lm.lockPath(res)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	lock, err := lm.Acquire(res)
	require.NoError(t, err)
	require.NoError(t, lm.Release(lock))
}

func TestLockReleaseOwnershipCheck(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)

	imposter := &Lock{
		Resource: lock.Resource,
		HolderID: "someone-else",
		path:     lock.path,
	}
	err = lm.Release(imposter)
	require.ErrorIs(t, err, ErrNotLockOwner)

	// The lock survives a failed release
	assert.FileExists(t, lm.lockPath(res))
	require.NoError(t, lm.Release(lock))
}

func TestLockReleaseMissingFile(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)
	require.NoError(t, os.Remove(lm.lockPath(res)))

	assert.Error(t, lm.Release(lock))
}

func TestLockRecordOnDiskFormat(t *testing.T) {
	lm := newTestLockManager(t, 45*time.Second)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)
	defer func() { require.NoError(t, lm.Release(lock)) }()

	data, err := os.ReadFile(lm.lockPath(res))
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "t1/u1/obj-1:append", rec["resource"])
	assert.Equal(t, lock.HolderID, rec["holderId"])
	assert.Equal(t, float64(45000), rec["timeoutDuration"]) // milliseconds
	assert.Contains(t, rec, "createdAt")
}

func TestWithLockReleasesOnError(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	opErr := errors.New("operation failed")
	err := lm.WithLock(res, func() error { return opErr })
	require.ErrorIs(t, err, opErr)

	// Lock was still released
	assert.NoFileExists(t, lm.lockPath(res))
}

func TestWithLockBusyPropagates(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	lock, err := lm.Acquire(res)
	require.NoError(t, err)
	defer func() { require.NoError(t, lm.Release(lock)) }()

	called := false
	err = lm.WithLock(res, func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrLockBusy)
	assert.False(t, called)
}

func TestWithLockMutualExclusion(t *testing.T) {
	lm := newTestLockManager(t, 0)
	res := testResource("obj-1")

	const workers = 16
	var inside atomic.Int32
	var completed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := lm.WithLock(res, func() error {
					// Exactly one worker may be inside at any instant
					if v := inside.Add(1); v != 1 {
						t.Errorf("%d workers inside the critical section", v)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					return nil
				})
				if err == nil {
					completed.Add(1)
					return
				}
				if !errors.Is(err, ErrLockBusy) {
					t.Errorf("unexpected acquire error: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(workers), completed.Load())
	// No lock file remains once all complete
	assert.NoFileExists(t, lm.lockPath(res))
}

func TestLockCleanupTree(t *testing.T) {
	lm := newTestLockManager(t, 0)

	live, err := lm.Acquire(testResource("live"))
	require.NoError(t, err)

	// Expired lock in another scope
	expired := lockRecord{
		Resource:        "t2/u2/old:append",
		HolderID:        "gone",
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
		TimeoutDuration: 1000,
	}
	expiredPath := filepath.Join(lm.locksDir, "t2", "u2", "old.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(expiredPath), 0755))
	data, err := json.Marshal(expired)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(expiredPath, data, 0644))

	// Corrupted lock
	corruptPath := filepath.Join(lm.locksDir, "t2", "u2", "corrupt.lock")
	require.NoError(t, os.WriteFile(corruptPath, []byte("{broken"), 0644))

	cleaned, failed := lm.Cleanup()
	assert.Equal(t, 2, cleaned)
	assert.Equal(t, 0, failed)

	assert.NoFileExists(t, expiredPath)
	assert.NoFileExists(t, corruptPath)
	// The live lock is untouched
	assert.FileExists(t, live.path)
	require.NoError(t, lm.Release(live))
}
