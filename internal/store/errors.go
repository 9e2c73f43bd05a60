package store

import "errors"

// Tick numbers one full scheduler run. Tick 0 is "before the first tick".
type Tick uint64

var (
	// ErrKeyRange is returned by checked operations for keys outside
	// [0, MaxKeys).
	ErrKeyRange = errors.New("store: key out of range")

	// ErrSnapshotUnavailable is returned by Rollback when the requested
	// depth exceeds the retained history.
	ErrSnapshotUnavailable = errors.New("store: snapshot unavailable")
)
