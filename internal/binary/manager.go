package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/spf13/afero"
)

const (
	// DefaultGraceWindow is subtracted from a GC cycle's start time; blobs
	// stamped after that are too recent to collect.
	DefaultGraceWindow = 10 * time.Second

	// DefaultSweepConcurrency bounds parallel deletions in a sweep.
	DefaultSweepConcurrency = 8
)

// Manager stores binaries in a BlobStore.
type Manager struct {
	store            blobstore.BlobStore
	alg              digest.Algorithm
	scope            string
	graceWindow      time.Duration
	sweepConcurrency int
	now              func() time.Time
	logger           *slog.Logger

	gc        *GarbageCollector
	locks     digestLocks
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithAlgorithm sets the digest algorithm for new blobs.
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(m *Manager) { m.alg = alg }
}

// WithScope sets the scope recorded in returned Binaries.
func WithScope(scope string) Option {
	return func(m *Manager) { m.scope = scope }
}

// WithGraceWindow sets the GC grace window. Negative values are treated as zero.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d < 0 {
			d = 0
		}
		m.graceWindow = d
	}
}

// WithSweepConcurrency sets the number of parallel deletions in a sweep.
func WithSweepConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepConcurrency = n
		}
	}
}

// WithClock sets the time source for GC cycle start times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager over store. The store is owned by the manager
// from here on and is closed by Close.
func NewManager(store blobstore.BlobStore, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		alg:              digest.Default,
		graceWindow:      DefaultGraceWindow,
		sweepConcurrency: DefaultSweepConcurrency,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.gc = &GarbageCollector{m: m}
	return m
}

// DigestAlgorithm returns the configured algorithm name.
func (m *Manager) DigestAlgorithm() string {
	return m.alg.String()
}

// Scope returns the configured scope.
func (m *Manager) Scope() string {
	return m.scope
}

// GarbageCollector returns the manager's collector.
func (m *Manager) GarbageCollector() *GarbageCollector {
	return m.gc
}

// GetBinary returns the Binary for hex if the blob exists. An unknown or
// malformed digest yields nil without error. Content is not read.
func (m *Manager) GetBinary(ctx context.Context, hex string) (*Binary, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	d, err := digest.Parse(hex)
	if err != nil {
		return nil, nil
	}
	info, err := m.store.Stat(ctx, d)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Binary{Digest: d, Length: info.Size, Scope: m.scope}, nil
}

// Open returns a reader for the blob's content.
func (m *Manager) Open(ctx context.Context, hex string) (io.ReadCloser, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	d, err := digest.Parse(hex)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, d)
}

// Store reads r to the end into a staging file while digesting it, then
// publishes the file under its digest. Storing content that already exists
// discards the staging file and reuses the existing blob.
func (m *Manager) Store(ctx context.Context, r io.Reader) (Binary, error) {
	if m.closed.Load() {
		return Binary{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Binary{}, err
	}

	tmp, err := m.store.CreateTemp()
	if err != nil {
		return Binary{}, err
	}
	tmpPath := tmp.Name()

	d, n, err := digest.Copy(tmp, r, m.alg)
	if err != nil {
		tmp.Close()
		m.store.RemoveTemp(tmpPath)
		return Binary{}, fmt.Errorf("write blob data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		m.store.RemoveTemp(tmpPath)
		return Binary{}, fmt.Errorf("close temp file: %w", err)
	}

	unlock := m.locks.lock(d.Hex)
	created, err := m.store.Put(ctx, d, tmpPath)
	unlock()
	if err != nil {
		return Binary{}, fmt.Errorf("store blob %s: %w", d, err)
	}

	m.logger.Debug("stored binary", "digest", d.Hex, "length", n, "created", created)
	return Binary{Digest: d, Length: n, Scope: m.scope}, nil
}

// StoreAndDigest stores a file that already exists on the store's
// filesystem. The file is digested in place and renamed into the store, so
// no bytes are copied; on success src.Path points at the blob and the
// original path is gone. Stores that cannot adopt files, and sources on
// another device, fall back to a copying Store that leaves src untouched.
func (m *Manager) StoreAndDigest(ctx context.Context, src *FileSource) (Binary, error) {
	if m.closed.Load() {
		return Binary{}, ErrClosed
	}

	fs := afero.NewOsFs()
	if adopter, ok := m.store.(blobstore.Adopter); ok {
		fs = adopter.Fs()

		d, n, err := digest.OfFile(fs, src.Path, m.alg)
		if err != nil {
			return Binary{}, fmt.Errorf("digest %s: %w", src.Path, err)
		}

		unlock := m.locks.lock(d.Hex)
		created, err := adopter.Adopt(ctx, d, src.Path)
		unlock()
		if err == nil {
			if loc, ok := m.store.(blobstore.Locator); ok {
				src.Path = loc.Path(d)
			}
			m.logger.Debug("adopted binary", "digest", d.Hex, "length", n, "created", created)
			return Binary{Digest: d, Length: n, Scope: m.scope}, nil
		}
		if !errors.Is(err, blobstore.ErrCrossDevice) {
			return Binary{}, fmt.Errorf("store blob %s: %w", d, err)
		}
		m.logger.Debug("cannot move source into store, copying", "path", src.Path)
	}

	f, err := fs.Open(src.Path)
	if err != nil {
		return Binary{}, fmt.Errorf("open %s: %w", src.Path, err)
	}
	defer f.Close()
	return m.Store(ctx, f)
}

// Close releases the underlying store. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.closeErr = m.store.Close()
	})
	return m.closeErr
}
