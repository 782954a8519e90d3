package storage

import (
	"encoding/json"
	"fmt"
	"os"
)

// indexFileName is the per-scope checksum index, mapping lowercase hex
// SHA-256 content hashes to object ids for O(1) dedup lookup.
const indexFileName = "lookup.json"

// checksumIndex is the in-memory form of one scope's lookup.json.
// It is loaded, mutated and written back whole; there is no compare-and-swap,
// so concurrent writers to the same scope are last-writer-wins. A crash
// between content write and index write can leave it stale — dedup is an
// optimization, not a correctness requirement.
type checksumIndex map[string]string

// loadIndex reads a scope's checksum index. A missing file is an empty index.
func loadIndex(path string) (checksumIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return checksumIndex{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checksum index: %w", err)
	}

	idx := checksumIndex{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
	}
	return idx, nil
}

// save persists the index as a whole-file overwrite.
func (idx checksumIndex) save(path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checksum index: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write checksum index: %w", err)
	}
	return nil
}

// lookup returns the object id recorded for a checksum.
func (idx checksumIndex) lookup(checksum string) (string, bool) {
	id, ok := idx[checksum]
	return id, ok
}

// hasObject reports whether any entry references the given object id.
func (idx checksumIndex) hasObject(objectID string) bool {
	for _, id := range idx {
		if id == objectID {
			return true
		}
	}
	return false
}

// dropObject removes every entry referencing the given object id and reports
// whether anything was removed.
func (idx checksumIndex) dropObject(objectID string) bool {
	changed := false
	for sum, id := range idx {
		if id == objectID {
			delete(idx, sum)
			changed = true
		}
	}
	return changed
}
