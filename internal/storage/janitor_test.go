package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls condition() every interval until it returns true or ctx is
// done.
func waitFor(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waitFor: %w", ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

func writeExpiredLock(t *testing.T, lm *LockManager, tenant, user, objectID string) string {
	t.Helper()
	rec := lockRecord{
		Resource:        tenant + "/" + user + "/" + objectID + ":append",
		HolderID:        "crashed-holder",
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
		TimeoutDuration: 1000,
	}
	path := filepath.Join(lm.locksDir, tenant, user, objectID+".lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestJanitorSweep(t *testing.T) {
	lm := newTestLockManager(t, 0)
	j := NewJanitor(lm, time.Hour, nil)

	expiredPath := writeExpiredLock(t, lm, "t1", "u1", "old")

	corruptPath := filepath.Join(lm.locksDir, "t1", "u1", "corrupt.lock")
	require.NoError(t, os.WriteFile(corruptPath, []byte("???"), 0644))

	live, err := lm.Acquire(testResource("live"))
	require.NoError(t, err)

	cleaned, failed := j.Sweep()
	assert.Equal(t, 2, cleaned)
	assert.Equal(t, 0, failed)

	assert.NoFileExists(t, expiredPath)
	assert.NoFileExists(t, corruptPath)
	assert.FileExists(t, live.path)

	// Idempotent: a second sweep finds nothing
	cleaned, failed = j.Sweep()
	assert.Equal(t, 0, cleaned)
	assert.Equal(t, 0, failed)

	require.NoError(t, lm.Release(live))
}

func TestJanitorStartStopIdempotent(t *testing.T) {
	lm := newTestLockManager(t, 0)
	j := NewJanitor(lm, time.Hour, nil)

	assert.False(t, j.Running())

	j.Start()
	j.Start()
	assert.True(t, j.Running())

	j.Stop()
	j.Stop()
	assert.False(t, j.Running())

	// Restartable after stop
	j.Start()
	assert.True(t, j.Running())
	j.Stop()
}

func TestJanitorPeriodicSweep(t *testing.T) {
	lm := newTestLockManager(t, 0)
	j := NewJanitor(lm, 10*time.Millisecond, nil)

	expiredPath := writeExpiredLock(t, lm, "t1", "u1", "leaked")

	j.Start()
	defer j.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := waitFor(ctx, 5*time.Millisecond, func() bool {
		return !fileExists(expiredPath)
	})
	require.NoError(t, err, "janitor did not clean the leaked lock")
}
