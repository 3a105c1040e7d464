package engine

import "errors"

// Sentinel errors classifying reconciliation failures. Per-record errors
// are collected into the session summary; only ErrSnapshotFetch aborts a
// pass, since nothing can be safely reconciled without both snapshots.
var (
	ErrSnapshotFetch      = errors.New("snapshot fetch failed")
	ErrWrite              = errors.New("write failed")
	ErrAmbiguousMatch     = errors.New("ambiguous cross-reference")
	ErrCategoryResolution = errors.New("category resolution failed")
)
