package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Scope is the tenant+user namespace an object lives in. No entity crosses
// scopes; every path the engine touches is rooted at the scope directory.
type Scope struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.UserID
}

// Validate checks both scope components for path traversal.
func (s Scope) Validate() error {
	if err := validateName(s.TenantID); err != nil {
		return fmt.Errorf("tenant id: %w", err)
	}
	if err := validateName(s.UserID); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	return nil
}

// validateName validates a path component (tenant, user or object id) to
// prevent path traversal. This runs at the storage layer regardless of any
// validation the HTTP layer performs.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	// Null bytes could truncate paths on some filesystems
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidName)
	}
	// Dot-prefixed names are reserved for the lock tree and temp files
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: names starting with '.' are reserved", ErrInvalidName)
	}
	// Scope components and object ids are single path elements, never
	// nested paths.
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: path separators not allowed", ErrInvalidName)
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidName)
	}
	return nil
}
