package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/spf13/afero"
)

const (
	dataDir = "data"
	tmpDir  = "tmp"
)

// FSStore implements BlobStore on a filesystem.
// Blobs are stored in a two-level directory structure using the first two
// characters of the hash as a prefix directory:
//
//	root/
//	  data/ab/cd123...  (published blobs)
//	  tmp/.blob-*       (staging files, same filesystem so publish is a rename)
type FSStore struct {
	fs   afero.Fs
	root string
	now  func() time.Time
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithFs replaces the OS filesystem, e.g. with afero.NewMemMapFs in tests.
func WithFs(fs afero.Fs) FSOption {
	return func(s *FSStore) { s.fs = fs }
}

// WithClock sets the source of storage timestamps.
func WithClock(now func() time.Time) FSOption {
	return func(s *FSStore) { s.now = now }
}

// NewFSStore creates a filesystem-backed blob store rooted at the given
// directory. The layout is created if absent; opening an existing root is a
// no-op.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	s := &FSStore{fs: afero.NewOsFs(), root: root, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.dataPath(), s.tmpPath()} {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create blob root: %w", err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string { return s.root }

// Fs returns the filesystem the store lives on.
func (s *FSStore) Fs() afero.Fs { return s.fs }

// Stat returns the blob's size and storage timestamp.
func (s *FSStore) Stat(_ context.Context, d digest.Digest) (BlobInfo, error) {
	fi, err := s.fs.Stat(s.Path(d))
	if os.IsNotExist(err) {
		return BlobInfo{}, ErrBlobNotFound
	}
	if err != nil {
		return BlobInfo{}, fmt.Errorf("stat blob %s: %w", d, err)
	}
	return BlobInfo{Digest: d, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Get opens a blob for reading.
// Returns ErrBlobNotFound if the blob does not exist.
func (s *FSStore) Get(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", d, err)
	}
	return f, nil
}

// CreateTemp creates a staging file in the store's tmp directory.
func (s *FSStore) CreateTemp() (afero.File, error) {
	f, err := afero.TempFile(s.fs, s.tmpPath(), ".blob-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// RemoveTemp removes a staging file.
func (s *FSStore) RemoveTemp(stagedPath string) error {
	if err := s.fs.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}

// Put publishes a staged file by renaming it into place.
// Idempotent: if the blob exists, the staged file is removed and the blob's
// timestamp refreshed.
func (s *FSStore) Put(_ context.Context, d digest.Digest, stagedPath string) (bool, error) {
	created, err := s.publish(d, stagedPath)
	if err != nil {
		s.RemoveTemp(stagedPath)
		return false, err
	}
	return created, nil
}

// Adopt moves an existing file on the store's filesystem into place without
// copying it. The source is consumed on success, including when the blob
// already existed. A rename across devices fails with ErrCrossDevice and
// leaves the source untouched.
func (s *FSStore) Adopt(_ context.Context, d digest.Digest, path string) (bool, error) {
	created, err := s.publish(d, path)
	if errors.Is(err, syscall.EXDEV) {
		return false, fmt.Errorf("adopt %s: %w", path, ErrCrossDevice)
	}
	return created, err
}

func (s *FSStore) publish(d digest.Digest, src string) (bool, error) {
	blobPath := s.Path(d)
	now := s.now()

	// Touching the existing blob both checks for it and refreshes its
	// timestamp. If it vanished under a concurrent sweep, publish ours.
	err := s.fs.Chtimes(blobPath, now, now)
	if err == nil {
		if err := s.fs.Remove(src); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove duplicate %s: %w", src, err)
		}
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("touch blob %s: %w", d, err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return false, fmt.Errorf("create blob dir: %w", err)
	}
	if err := s.fs.Chtimes(src, now, now); err != nil {
		return false, fmt.Errorf("stamp %s: %w", src, err)
	}

	// Atomic rename
	if err := s.fs.Rename(src, blobPath); err != nil {
		return false, fmt.Errorf("rename blob: %w", err)
	}
	return true, nil
}

// Delete removes a blob.
func (s *FSStore) Delete(_ context.Context, d digest.Digest) error {
	if err := s.fs.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", d, err)
	}
	return nil
}

// DeleteIfOlder moves the blob out of data/ into the staging directory,
// then checks the timestamp of the moved file. A Put that touched the blob
// before the move shows up there, and the blob is moved back. A Put after
// the move finds no blob and publishes its own copy.
func (s *FSStore) DeleteIfOlder(_ context.Context, d digest.Digest, threshold time.Time) (bool, error) {
	blobPath := s.Path(d)
	trash := filepath.Join(s.tmpPath(), ".gc-"+d.Hex+"-"+uuid.NewString())

	if err := s.fs.Rename(blobPath, trash); err != nil {
		if os.IsNotExist(err) {
			return false, ErrBlobNotFound
		}
		return false, fmt.Errorf("move blob %s: %w", d, err)
	}

	fi, err := s.fs.Stat(trash)
	if err == nil && !fi.ModTime().Before(threshold) {
		// Overwrites a copy published meanwhile; the content is identical.
		if err := s.fs.Rename(trash, blobPath); err != nil {
			return false, fmt.Errorf("restore blob %s: %w", d, err)
		}
		return false, nil
	}
	if err != nil {
		if rerr := s.fs.Rename(trash, blobPath); rerr != nil {
			return false, fmt.Errorf("restore blob %s: %w", d, errors.Join(err, rerr))
		}
		return false, fmt.Errorf("stat blob %s: %w", d, err)
	}

	if err := s.fs.Remove(trash); err != nil {
		return false, fmt.Errorf("delete blob %s: %w", d, err)
	}
	return true, nil
}

// Walk visits every published blob by scanning the directory tree.
// Staging files and names that are not digests are skipped.
func (s *FSStore) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	root := s.dataPath()
	return afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		// Reconstruct hash from path: root/ab/cd... -> abcd...
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 2 {
			return nil
		}
		d, err := digest.Parse(parts[0] + parts[1])
		if err != nil {
			return nil
		}
		return fn(BlobInfo{Digest: d, Size: info.Size(), ModTime: info.ModTime()})
	})
}

// Close is a no-op; the store holds no open handles.
func (s *FSStore) Close() error { return nil }

// Path returns the filesystem path for a blob.
func (s *FSStore) Path(d digest.Digest) string {
	hash := d.Hex
	if len(hash) < 2 {
		return filepath.Join(s.dataPath(), hash)
	}
	return filepath.Join(s.dataPath(), hash[:2], hash[2:])
}

func (s *FSStore) dataPath() string { return filepath.Join(s.root, dataDir) }

func (s *FSStore) tmpPath() string { return filepath.Join(s.root, tmpDir) }
