// Package objectstore is the content-addressed blob layer that backs
// persisted columnar files (§6 "object store collaborator"). Keys are
// caller-assigned IDs (the columnar file's object-store identifier,
// catalog.File.ID); values are opaque bytes.
package objectstore

import "errors"

// ErrNotFound is returned when Get or Delete target a missing key.
var ErrNotFound = errors.New("objectstore: not found")

// ErrAlreadyExists is returned by PutIfAbsent when the key is already
// present — files are immutable once written (§3), so a second write
// under the same ID is always a bug, never a retry-safe overwrite.
var ErrAlreadyExists = errors.New("objectstore: already exists")

// Store is the object-store collaborator: an interface small enough to
// fake in tests, per spec.md §9.
type Store interface {
	// PutIfAbsent writes data under key, failing with ErrAlreadyExists if
	// the key already holds a value.
	PutIfAbsent(key string, data []byte) error
	Get(key string) ([]byte, error)
	// ListByPrefix returns every key with the given prefix, for
	// sanity-scanning orphaned compaction output.
	ListByPrefix(prefix string) ([]string, error)
	Delete(key string) error
	Close() error
}
