package asset

import "errors"

// The error kinds surfaced by the content system. These are values, not
// types; wrap them with pkg/errors to add context and test with
// errors.Is to classify.
var (
	// ErrNotFound means no registry entry exists for the id or path.
	ErrNotFound = errors.New("asset not found")

	// ErrCorrupted covers magic code mismatches, header hash mismatches,
	// out of range chunk indices and empty chunk records.
	ErrCorrupted = errors.New("container data corrupted")

	// ErrUnsupportedVersion means the container format is newer than
	// this code understands.
	ErrUnsupportedVersion = errors.New("unsupported container version")

	// ErrTypeMismatch means a cached or loaded asset is not a subtype
	// of the requested type.
	ErrTypeMismatch = errors.New("asset type mismatch")

	// ErrVirtualNotSupported is returned by factories that cannot make
	// virtual instances.
	ErrVirtualNotSupported = errors.New("virtual assets not supported")

	// ErrWriteBlocked means a mutating operation was attempted on a
	// read-only package container.
	ErrWriteBlocked = errors.New("container is read-only")

	// ErrCancelled means a streaming task was cancelled by shutdown or
	// an explicit cancel.
	ErrCancelled = errors.New("load cancelled")

	// ErrBusy means exclusive access was requested while readers still
	// hold chunk locks.
	ErrBusy = errors.New("container busy")

	// ErrDuplicateID means registering would produce two entries with
	// the same id from immutable sources.
	ErrDuplicateID = errors.New("duplicate asset id")

	// ErrChunkEmpty means a chunk record exists but has no data in the
	// file.
	ErrChunkEmpty = errors.New("chunk has no data in file")

	// ErrNotLoaded means chunk data was requested before it was made
	// resident.
	ErrNotLoaded = errors.New("chunk data not loaded")
)
