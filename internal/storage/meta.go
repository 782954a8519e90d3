package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StoredObject is the metadata sidecar for one stored content file. The
// content file and its sidecar exist together or not at all: upload writes
// content before metadata, delete removes both.
type StoredObject struct {
	ObjectID     string            `json:"objectId"`
	Scope        Scope             `json:"scope"`
	FileName     string            `json:"fileName"`
	Size         uint64            `json:"size"`
	MimeType     string            `json:"mimeType"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastModified time.Time         `json:"lastModified"`
	Checksum     string            `json:"checksum,omitempty"` // lowercase hex SHA-256
	ETag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// readObjectMeta reads and parses a metadata sidecar.
// A missing sidecar is ErrObjectNotFound; an unparsable one is
// ErrCorruptedMeta (surfaced, never self-healed, to avoid silent data loss).
func readObjectMeta(path string) (*StoredObject, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}

	var obj StoredObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedMeta, filepath.Base(path), err)
	}
	return &obj, nil
}

// writeObjectMeta persists a metadata sidecar as a whole-file overwrite.
func writeObjectMeta(path string, obj *StoredObject) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal object meta: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write object meta: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a uniquely-named temp file in the target's
// directory and renames it into place. Concurrent writers interleave to one
// complete document, never a torn mix; readers see the old file or the new
// one, nothing in between.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
