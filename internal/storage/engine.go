package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// locksDirName is the lock tree root under the base directory.
const locksDirName = ".locks"

// Engine is the storage composition root. It owns the content files,
// metadata sidecars and checksum indexes under its base directory, and
// delegates append mutual exclusion to the filesystem lock protocol.
//
// Directory structure:
//
//	{base}/
//	  .locks/
//	    {tenantId}/{userId}/{objectId}.lock   # lock record while held
//	  {tenantId}/{userId}/
//	    lookup.json                           # checksum -> objectId map
//	    {objectId}                            # raw content, no extension
//	    {objectId}.json                       # metadata sidecar
type Engine struct {
	baseDir string
	locks   *LockManager
	metrics *Metrics // optional
}

// NewEngine creates a storage engine rooted at baseDir. lockTimeout of 0
// means DefaultLockTimeout; metrics may be nil.
func NewEngine(baseDir string, lockTimeout time.Duration, metrics *Metrics) (*Engine, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, locksDirName), 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Engine{
		baseDir: baseDir,
		locks:   NewLockManager(filepath.Join(baseDir, locksDirName), lockTimeout),
		metrics: metrics,
	}, nil
}

// BaseDir returns the base directory path.
func (e *Engine) BaseDir() string {
	return e.baseDir
}

// Locks returns the engine's lock manager, shared with the janitor.
func (e *Engine) Locks() *LockManager {
	return e.locks
}

func (e *Engine) scopeDir(scope Scope) string {
	return filepath.Join(e.baseDir, scope.TenantID, scope.UserID)
}

func (e *Engine) contentPath(scope Scope, objectID string) string {
	return filepath.Join(e.scopeDir(scope), objectID)
}

func (e *Engine) metaPath(scope Scope, objectID string) string {
	return e.contentPath(scope, objectID) + ".json"
}

func (e *Engine) indexPath(scope Scope) string {
	return filepath.Join(e.scopeDir(scope), indexFileName)
}

// ComputeChecksum returns the lowercase hex SHA-256 of everything readable
// from r. The result is independent of internal read-buffer size.
func ComputeChecksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Upload stores the content read from r under a fresh object id, unless
// byte-identical content already exists in the scope, in which case the
// existing object is returned unchanged and nothing new is written.
//
// The stream is first persisted to a private staging file (hashed while
// copying), then either discarded on a dedup hit or renamed into place.
// Failure at any write aborts the whole call; only the staging file is
// cleaned up best-effort.
func (e *Engine) Upload(ctx context.Context, scope Scope, r io.Reader, fileName, mimeType string) (*StoredObject, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	scopeDir := e.scopeDir(scope)
	if err := os.MkdirAll(scopeDir, 0755); err != nil {
		return nil, fmt.Errorf("create scope dir: %w", err)
	}

	staging, err := os.CreateTemp(scopeDir, ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	stagingPath := staging.Name()
	defer func() { _ = os.Remove(stagingPath) }()

	sum := sha256.New()
	etag := md5.New()
	size, err := io.Copy(io.MultiWriter(staging, sum, etag), r)
	if err != nil {
		_ = staging.Close()
		return nil, fmt.Errorf("stage content: %w", err)
	}
	if err := staging.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	checksum := hex.EncodeToString(sum.Sum(nil))

	idx, err := loadIndex(e.indexPath(scope))
	if err != nil {
		return nil, err
	}

	// Dedup: identical content in this scope keeps its existing identity.
	// A stale entry (sidecar gone after a crash) falls through to a fresh
	// store and is overwritten below.
	if existingID, ok := idx.lookup(checksum); ok {
		existing, err := readObjectMeta(e.metaPath(scope, existingID))
		if err == nil {
			if e.metrics != nil {
				e.metrics.DedupHits.Inc()
			}
			return existing, nil
		}
		log.Warn().
			Str("scope", scope.String()).
			Str("objectId", existingID).
			Str("checksum", checksum).
			Msg("stale checksum index entry, storing fresh copy")
	}

	objectID := e.newObjectID(scope, idx)
	if err := os.Rename(stagingPath, e.contentPath(scope, objectID)); err != nil {
		return nil, fmt.Errorf("place content file: %w", err)
	}

	now := time.Now().UTC()
	obj := &StoredObject{
		ObjectID:     objectID,
		Scope:        scope,
		FileName:     fileName,
		Size:         uint64(size),
		MimeType:     mimeType,
		CreatedAt:    now,
		LastModified: now,
		Checksum:     checksum,
		ETag:         hex.EncodeToString(etag.Sum(nil)),
	}
	if err := writeObjectMeta(e.metaPath(scope, objectID), obj); err != nil {
		return nil, err
	}

	idx[checksum] = objectID
	if err := idx.save(e.indexPath(scope)); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.BytesUploaded.Add(float64(size))
	}
	return obj, nil
}

// newObjectID generates a fresh object id unique against the current index
// and the scope directory, retrying on collision.
func (e *Engine) newObjectID(scope Scope, idx checksumIndex) string {
	for {
		id := uuid.NewString()
		if idx.hasObject(id) || fileExists(e.contentPath(scope, id)) {
			continue
		}
		return id
	}
}

// Append adds the content read from r to the end of an existing object,
// entirely inside the exclusive append lock for that object. Size, checksum,
// etag and lastModified are recomputed, and the object's checksum index
// entry is moved to the new hash.
func (e *Engine) Append(ctx context.Context, scope Scope, objectID string, r io.Reader) (*StoredObject, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateName(objectID); err != nil {
		return nil, fmt.Errorf("invalid object id: %w", err)
	}

	var obj *StoredObject
	err := e.locks.WithLock(Resource{Scope: scope, ObjectID: objectID, Operation: "append"}, func() error {
		var err error
		obj, err = e.appendLocked(scope, objectID, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// appendLocked is the append critical section. Caller holds the append lock.
func (e *Engine) appendLocked(scope Scope, objectID string, r io.Reader) (*StoredObject, error) {
	obj, err := readObjectMeta(e.metaPath(scope, objectID))
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(e.contentPath(scope, objectID), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open content file: %w", err)
	}
	appended, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("append content: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close content file: %w", err)
	}

	size, checksum, etag, err := e.hashContent(scope, objectID)
	if err != nil {
		return nil, err
	}

	obj.Size = size
	obj.LastModified = time.Now().UTC()
	obj.Checksum = checksum
	obj.ETag = etag
	if err := writeObjectMeta(e.metaPath(scope, objectID), obj); err != nil {
		return nil, err
	}

	idx, err := loadIndex(e.indexPath(scope))
	if err != nil {
		return nil, err
	}
	idx.dropObject(objectID)
	idx[checksum] = objectID
	if err := idx.save(e.indexPath(scope)); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.BytesUploaded.Add(float64(appended))
	}
	return obj, nil
}

// hashContent streams an object's content file through SHA-256 and MD5.
func (e *Engine) hashContent(scope Scope, objectID string) (size uint64, checksum, etag string, err error) {
	f, err := os.Open(e.contentPath(scope, objectID))
	if err != nil {
		return 0, "", "", fmt.Errorf("open content file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum := sha256.New()
	md := md5.New()
	n, err := io.Copy(io.MultiWriter(sum, md), f)
	if err != nil {
		return 0, "", "", fmt.Errorf("hash content: %w", err)
	}
	return uint64(n), hexSum(sum), hexSum(md), nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Download opens an object's content for streaming along with its metadata.
// The caller owns the returned ReadCloser.
func (e *Engine) Download(ctx context.Context, scope Scope, objectID string) (io.ReadCloser, *StoredObject, error) {
	obj, err := e.GetMetadata(ctx, scope, objectID)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(e.contentPath(scope, objectID))
	if os.IsNotExist(err) {
		return nil, nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open content file: %w", err)
	}
	return f, obj, nil
}

// GetMetadata returns an object's metadata sidecar.
func (e *Engine) GetMetadata(ctx context.Context, scope Scope, objectID string) (*StoredObject, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateName(objectID); err != nil {
		return nil, fmt.Errorf("invalid object id: %w", err)
	}
	return readObjectMeta(e.metaPath(scope, objectID))
}

// Delete removes an object's content file, metadata sidecar and checksum
// index entry together, returning the removed object's metadata.
func (e *Engine) Delete(ctx context.Context, scope Scope, objectID string) (*StoredObject, error) {
	obj, err := e.GetMetadata(ctx, scope, objectID)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(e.contentPath(scope, objectID)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove content file: %w", err)
	}
	if err := os.Remove(e.metaPath(scope, objectID)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove object meta: %w", err)
	}

	idx, err := loadIndex(e.indexPath(scope))
	if err != nil {
		return nil, err
	}
	if idx.dropObject(objectID) {
		if err := idx.save(e.indexPath(scope)); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// List enumerates a scope's objects, sorted by file name then object id.
// Sidecars that fail to parse are skipped and logged rather than failing the
// whole call. A missing scope directory is ErrScopeNotFound.
func (e *Engine) List(ctx context.Context, scope Scope) ([]StoredObject, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(e.scopeDir(scope))
	if os.IsNotExist(err) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read scope dir: %w", err)
	}

	objects := make([]StoredObject, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == indexFileName || !strings.HasSuffix(name, ".json") {
			continue
		}

		obj, err := readObjectMeta(filepath.Join(e.scopeDir(scope), name))
		if err != nil {
			log.Warn().Err(err).Str("scope", scope.String()).Str("sidecar", name).Msg("skipping unreadable sidecar")
			continue
		}
		objects = append(objects, *obj)
	}

	sort.Slice(objects, func(i, j int) bool {
		if objects[i].FileName != objects[j].FileName {
			return objects[i].FileName < objects[j].FileName
		}
		return objects[i].ObjectID < objects[j].ObjectID
	})
	return objects, nil
}

// LookupByChecksum resolves a content hash to its object via the scope's
// checksum index. A missing or stale entry is ErrObjectNotFound.
func (e *Engine) LookupByChecksum(ctx context.Context, scope Scope, checksum string) (*StoredObject, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	idx, err := loadIndex(e.indexPath(scope))
	if err != nil {
		return nil, err
	}
	objectID, ok := idx.lookup(checksum)
	if !ok {
		return nil, ErrObjectNotFound
	}
	return readObjectMeta(e.metaPath(scope, objectID))
}
