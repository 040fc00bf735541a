// Package refstore records which documents reference which binaries.
// It is the reference source a garbage collection job marks from.
package refstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document has no references.
var ErrNotFound = errors.New("not found")

// Backend names accepted by Open.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// RefStore defines the contract for reference persistence.
type RefStore interface {
	// AddRef records that doc references digest. Idempotent.
	AddRef(ctx context.Context, doc, digest string) error

	// RemoveRef drops a single reference. No error if it doesn't exist.
	RemoveRef(ctx context.Context, doc, digest string) error

	// RemoveDocument drops every reference held by doc.
	RemoveDocument(ctx context.Context, doc string) error

	// ListRefs returns the digests doc references, sorted.
	// Returns ErrNotFound if doc has none.
	ListRefs(ctx context.Context, doc string) ([]string, error)

	// AllDigests returns every digest referenced by any document.
	AllDigests(ctx context.Context) (map[string]bool, error)

	// Close releases resources.
	Close() error
}

// Open opens the reference store of the given backend at path.
func Open(backend, path string) (RefStore, error) {
	switch backend {
	case BackendBbolt, "":
		return NewBboltStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown refs backend %q", backend)
	}
}
