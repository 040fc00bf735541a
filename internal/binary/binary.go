// Package binary stores content-addressed, deduplicated binaries and reclaims
// unreferenced ones.
//
// A Manager turns streams and files into blobs named by their digest and
// hands back Binary values. Its GarbageCollector runs mark-and-sweep cycles:
// an external reference scan calls Mark for every digest still in use, then
// Stop sweeps the rest. Blobs stored after the cycle started (minus a grace
// window) are never swept, which protects content whose referencing
// transaction has not committed yet.
package binary

import (
	"errors"
	"fmt"

	"github.com/kilupskalvis/binstore/internal/digest"
)

// Sentinel errors.
var (
	ErrClosed       = errors.New("binary manager is closed")
	ErrGCInProgress = errors.New("garbage collection already in progress")
	ErrGCNotStarted = errors.New("garbage collection not started")
)

// Binary references stored content by digest. It is a value: two Binaries
// with the same digest are interchangeable.
type Binary struct {
	Digest digest.Digest
	Length int64  // bytes; 0 when built from a digest alone
	Scope  string // owning scope, e.g. a repository name
}

// NewBinary builds a Binary from a hex digest without touching storage.
func NewBinary(hex, scope string) (Binary, error) {
	d, err := digest.Parse(hex)
	if err != nil {
		return Binary{}, err
	}
	return Binary{Digest: d, Scope: scope}, nil
}

// DigestAlgorithm returns the name of the algorithm that produced the digest.
func (b Binary) DigestAlgorithm() string {
	return b.Digest.Algorithm.String()
}

func (b Binary) String() string {
	return fmt.Sprintf("%s:%s (%d bytes)", b.Digest.Algorithm, b.Digest.Hex, b.Length)
}

// FileSource is a file that already exists on the store's filesystem.
// StoreAndDigest moves it into the store and updates Path to the blob's
// final location.
type FileSource struct {
	Path string
}

// Status is the outcome of a garbage collection cycle.
type Status struct {
	NumBinaries    int64 // retained
	SizeBinaries   int64
	NumBinariesGC  int64 // collected, or collectable on a dry run
	SizeBinariesGC int64
	DeleteFailures int64 // collectable blobs whose deletion failed
}
