// Package blobstore provides content-addressable blob storage.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/spf13/afero"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrCrossDevice is returned by Adopt when the source cannot be renamed into the store.
var ErrCrossDevice = errors.New("source is on a different device")

// BlobInfo describes a published blob.
type BlobInfo struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time // storage timestamp, refreshed on every store of the same content
}

// BlobStore defines the contract for content-addressable binary storage.
//
// Blobs are written to a staging file first and published under their digest
// in one step, so a partially written blob is never visible.
type BlobStore interface {
	// Stat returns the blob's info, or ErrBlobNotFound.
	Stat(ctx context.Context, d digest.Digest) (BlobInfo, error)

	// Get opens the blob for reading. Returns ErrBlobNotFound if absent.
	Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// CreateTemp creates a uniquely named staging file.
	CreateTemp() (afero.File, error)

	// RemoveTemp discards a staging file that will not be published.
	RemoveTemp(stagedPath string) error

	// Put publishes the staged file under d and consumes it. If the blob
	// already exists the staged file is discarded and the blob's storage
	// timestamp is refreshed. Reports whether a new blob was created.
	Put(ctx context.Context, d digest.Digest, stagedPath string) (bool, error)

	// Delete removes a blob. No error if it doesn't exist.
	Delete(ctx context.Context, d digest.Digest) error

	// Walk calls fn for every published blob.
	Walk(ctx context.Context, fn func(BlobInfo) error) error

	// Close releases resources.
	Close() error
}

// Locator is implemented by stores that keep blobs as local files.
type Locator interface {
	// Path returns the file that holds (or would hold) the blob.
	Path(d digest.Digest) string
}

// Adopter is implemented by stores that can move an existing file into
// place without copying it.
type Adopter interface {
	// Adopt moves the file at path into the store under d. It returns
	// ErrCrossDevice, leaving the file untouched, when a rename is impossible.
	Adopt(ctx context.Context, d digest.Digest, path string) (bool, error)

	// Fs is the filesystem adoptable paths are resolved against.
	Fs() afero.Fs
}

// StaleDeleter is implemented by stores that can delete a blob only if its
// storage timestamp is older than a threshold, atomically with respect to a
// concurrent Put of the same content from any process.
type StaleDeleter interface {
	// DeleteIfOlder deletes the blob when its timestamp is before threshold
	// and reports whether it did. Returns ErrBlobNotFound if absent.
	DeleteIfOlder(ctx context.Context, d digest.Digest, threshold time.Time) (bool, error)
}

// Clock is implemented by stores whose blob timestamps come from a clock
// other than the local one, such as an object store server.
type Clock interface {
	// Now returns the current time as the store would stamp a blob, or the
	// zero time when it defers to the local clock.
	Now(ctx context.Context) (time.Time, error)
}

// Usage counts the blobs in s and sums their sizes.
func Usage(ctx context.Context, s BlobStore) (int, int64, error) {
	var count int
	var size int64
	err := s.Walk(ctx, func(info BlobInfo) error {
		count++
		size += info.Size
		return nil
	})
	return count, size, err
}
