package storage

import "errors"

// Storage error types.
var (
	ErrInvalidName    = errors.New("invalid name")
	ErrObjectNotFound = errors.New("object not found")
	ErrScopeNotFound  = errors.New("scope not found")
	ErrLockBusy       = errors.New("lock busy")
	ErrNotLockOwner   = errors.New("lock owned by different holder")
	ErrCorruptedMeta  = errors.New("corrupted object metadata")
	ErrCorruptedIndex = errors.New("corrupted checksum index")
)
