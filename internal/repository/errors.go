package repository

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("repository: duplicate")

	// ErrVersionConflict is returned when a guarded update loses the
	// optimistic-concurrency race and must be retried on a fresh read.
	ErrVersionConflict = errors.New("repository: version conflict")
)
