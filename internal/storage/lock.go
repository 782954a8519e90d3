package storage

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultLockTimeout is how long a lock may be held before any future
// acquirer or the janitor may pre-empt it. Expiry is measured from creation,
// not last activity: long-running holders can be pre-empted, favoring
// liveness over strict exclusivity under crashes.
const DefaultLockTimeout = 30 * time.Second

// Resource names one lockable unit of work. Distinct object ids, even in the
// same scope, hold independent locks.
type Resource struct {
	Scope     Scope
	ObjectID  string
	Operation string
}

func (r Resource) String() string {
	return r.Scope.String() + "/" + r.ObjectID + ":" + r.Operation
}

// Lock is an acquired exclusive claim. It is only valid until its timeout
// elapses; the holder must finish its critical section before then.
type Lock struct {
	Resource  string
	HolderID  string
	CreatedAt time.Time
	Timeout   time.Duration

	path string
}

// lockRecord is the on-disk JSON form of a lock. timeoutDuration is in
// milliseconds.
type lockRecord struct {
	Resource        string    `json:"resource"`
	HolderID        string    `json:"holderId"`
	CreatedAt       time.Time `json:"createdAt"`
	TimeoutDuration int64     `json:"timeoutDuration"`
}

func (rec *lockRecord) timeout() time.Duration {
	return time.Duration(rec.TimeoutDuration) * time.Millisecond
}

func (rec *lockRecord) expired(now time.Time) bool {
	return now.After(rec.CreatedAt.Add(rec.timeout()))
}

// LockManager acquires and releases exclusive, named, expiring locks backed
// by the filesystem under {base}/.locks. The mutual-exclusion primitive is a
// hard link from a uniquely-named temp file onto the canonical lock path:
// the link succeeds only if nothing occupies the target, so exactly one of
// any set of racing acquirers can land. Everything before the link — the
// existence pre-check, the stale-lock cleanup — is an optimization, not a
// guarantee.
//
// The protocol is valid across processes sharing one volume; there is no
// in-process mutex.
type LockManager struct {
	locksDir string
	timeout  time.Duration
}

// NewLockManager creates a lock manager rooted at locksDir.
// A timeout of 0 means DefaultLockTimeout.
func NewLockManager(locksDir string, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{locksDir: locksDir, timeout: timeout}
}

// lockPath returns the canonical lock file path for a resource.
func (lm *LockManager) lockPath(res Resource) string {
	return filepath.Join(lm.locksDir, res.Scope.TenantID, res.Scope.UserID, res.ObjectID+".lock")
}

// Acquire takes the exclusive lock for a resource. A held live lock yields
// ErrLockBusy with the owning holder as detail; expired or unreadable lock
// files are removed and superseded.
func (lm *LockManager) Acquire(res Resource) (*Lock, error) {
	if err := res.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateName(res.ObjectID); err != nil {
		return nil, fmt.Errorf("invalid object id: %w", err)
	}

	path := lm.lockPath(res)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// Self-healing pre-check: clear corrupted or expired lock files so a
	// crashed holder cannot wedge the resource. A race between this check
	// and the link below resolves correctly because only one link can land.
	lm.healStale(path)

	lock := &Lock{
		Resource:  res.String(),
		HolderID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Timeout:   lm.timeout,
		path:      path,
	}

	rec := lockRecord{
		Resource:        lock.Resource,
		HolderID:        lock.HolderID,
		CreatedAt:       lock.CreatedAt,
		TimeoutDuration: lock.Timeout.Milliseconds(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}

	// Write the record to a uniquely-named temp file first so a partially
	// written record is never visible at the canonical path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create lock temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("write lock record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close lock temp file: %w", err)
	}

	// The linearization point: link fails with EEXIST if any lock occupies
	// the canonical path.
	linkErr := os.Link(tmpPath, path)
	_ = os.Remove(tmpPath)
	if linkErr == nil {
		return lock, nil
	}
	if !os.IsExist(linkErr) {
		return nil, fmt.Errorf("place lock file: %w", linkErr)
	}

	// Lost the race. Re-read the occupant to report who holds it.
	existing, err := readLockRecord(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (existing lock unreadable)", ErrLockBusy, res)
	}
	return nil, fmt.Errorf("%w: %s held by %s since %s",
		ErrLockBusy, res, existing.HolderID, existing.CreatedAt.Format(time.RFC3339))
}

// Release removes a lock the caller holds. The lock file must still exist,
// parse, and name the caller as holder; on holder mismatch the lock file
// survives untouched.
func (lm *LockManager) Release(lock *Lock) error {
	rec, err := readLockRecord(lock.path)
	if err != nil {
		return fmt.Errorf("release %s: %w", lock.Resource, err)
	}
	if rec.HolderID != lock.HolderID {
		return fmt.Errorf("release %s: %w (held by %s)", lock.Resource, ErrNotLockOwner, rec.HolderID)
	}
	if err := os.Remove(lock.path); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// WithLock runs op under the exclusive lock for res. Release is attempted
// exactly once on every exit path, independent of op's outcome; a release
// failure is logged, never propagated as op's result.
func (lm *LockManager) WithLock(res Resource, op func() error) error {
	lock, err := lm.Acquire(res)
	if err != nil {
		return err
	}
	defer func() {
		if err := lm.Release(lock); err != nil {
			log.Warn().Err(err).Str("resource", lock.Resource).Msg("lock release failed")
		}
	}()

	return op()
}

// healStale removes the lock file at path if it is unreadable or expired.
// Live locks are left untouched.
func (lm *LockManager) healStale(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // nothing there, or unreadable dir — the link will decide
	}

	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Str("path", path).Msg("removing corrupted lock file")
		_ = os.Remove(path)
		return
	}
	if rec.expired(time.Now().UTC()) {
		log.Debug().
			Str("path", path).
			Str("holder", rec.HolderID).
			Time("createdAt", rec.CreatedAt).
			Msg("removing expired lock file")
		_ = os.Remove(path)
	}
}

// Cleanup walks the whole lock tree and removes unreadable or expired lock
// files, tolerating targets that vanish mid-sweep. It returns how many were
// cleaned and how many removals failed.
func (lm *LockManager) Cleanup() (cleaned, failed int) {
	_ = filepath.WalkDir(lm.locksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".lock") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil // already gone, or transiently unreadable; next sweep retries
		}

		var rec lockRecord
		if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr == nil && !rec.expired(time.Now().UTC()) {
			return nil // live lock, leave it
		}

		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil // a concurrent release or acquire beat us to it
			}
			failed++
			log.Warn().Err(err).Str("path", path).Msg("lock cleanup failed")
			return nil
		}
		cleaned++
		return nil
	})
	return cleaned, failed
}

// readLockRecord reads and parses a lock file.
func readLockRecord(path string) (*lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &rec, nil
}
