package binary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/digest"
	"golang.org/x/sync/errgroup"
)

type gcState int

// storeClockTimeout bounds reading the cycle start from a remote store.
const storeClockTimeout = 30 * time.Second

const (
	gcIdle gcState = iota
	gcStarted
	gcSweeping
)

// GarbageCollector reclaims blobs of one Manager by mark-and-sweep.
//
// A cycle is Start, any number of Mark calls, then Stop. Only one cycle runs
// at a time; Start during a cycle fails with ErrGCInProgress instead of
// waiting.
type GarbageCollector struct {
	m *Manager

	mu     sync.Mutex
	state  gcState
	start  time.Time
	marked map[string]struct{}
}

// IsInProgress reports whether a cycle has been started and not yet stopped.
func (gc *GarbageCollector) IsInProgress() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.state != gcIdle
}

// StartTime returns the current cycle's start time, or the zero time when idle.
func (gc *GarbageCollector) StartTime() time.Time {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.state == gcIdle {
		return time.Time{}
	}
	return gc.start
}

// Start begins a cycle with an empty mark set.
//
// The cycle start is taken from the store's clock when it has one, so that
// it compares against blob timestamps stamped by the same clock.
func (gc *GarbageCollector) Start() error {
	if gc.m.closed.Load() {
		return ErrClosed
	}
	gc.mu.Lock()
	if gc.state != gcIdle {
		gc.mu.Unlock()
		return ErrGCInProgress
	}
	gc.state = gcStarted
	gc.start = gc.m.now()
	gc.marked = make(map[string]struct{})
	gc.mu.Unlock()

	if clock, ok := gc.m.store.(blobstore.Clock); ok {
		ctx, cancel := context.WithTimeout(context.Background(), storeClockTimeout)
		defer cancel()
		start, err := clock.Now(ctx)
		if err != nil {
			gc.reset()
			return fmt.Errorf("read store clock: %w", err)
		}
		if !start.IsZero() {
			gc.mu.Lock()
			gc.start = start
			gc.mu.Unlock()
		}
	}

	gc.m.logger.Info("gc started", "start", gc.StartTime(), "grace_window", gc.m.graceWindow)
	return nil
}

func (gc *GarbageCollector) reset() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.state = gcIdle
	gc.marked = nil
}

// Mark records hex as referenced in the current cycle. Digests with no blob
// are accepted and have no effect.
func (gc *GarbageCollector) Mark(hex string) error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.state != gcStarted {
		return ErrGCNotStarted
	}
	d, err := digest.Parse(hex)
	if err != nil {
		return err
	}
	gc.marked[d.Hex] = struct{}{}
	return nil
}

// Stop ends the cycle and sweeps the store.
//
// A blob is retained when it was marked or when its storage timestamp is not
// before the cycle start minus the grace window. Everything else is
// collectable: with remove set it is deleted, otherwise Stop is a dry run
// that changes nothing and can be repeated with the same result.
//
// Failed deletions are logged and counted in Status.DeleteFailures; they do
// not stop the sweep and are returned joined in the error alongside the
// status. The collector is idle again when Stop returns, whatever the outcome.
// A cycle still open when the manager is closed ends with ErrClosed and
// touches nothing.
func (gc *GarbageCollector) Stop(ctx context.Context, remove bool) (Status, error) {
	gc.mu.Lock()
	if gc.state != gcStarted {
		gc.mu.Unlock()
		return Status{}, ErrGCNotStarted
	}
	gc.state = gcSweeping
	threshold := gc.start.Add(-gc.m.graceWindow)
	marked := gc.marked
	gc.mu.Unlock()

	defer gc.reset()

	if gc.m.closed.Load() {
		return Status{}, ErrClosed
	}

	var status Status
	var collectable []blobstore.BlobInfo
	err := gc.m.store.Walk(ctx, func(info blobstore.BlobInfo) error {
		if _, ok := marked[info.Digest.Hex]; ok || !info.ModTime.Before(threshold) {
			status.NumBinaries++
			status.SizeBinaries += info.Size
			return nil
		}
		collectable = append(collectable, info)
		status.NumBinariesGC++
		status.SizeBinariesGC += info.Size
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("scan blobs: %w", err)
	}

	if remove && len(collectable) > 0 {
		if err := gc.sweep(ctx, threshold, collectable, &status); err != nil {
			gc.logStatus(status, remove)
			return status, err
		}
	}

	gc.logStatus(status, remove)
	return status, nil
}

type sweepResult struct {
	refreshed bool
	err       error
}

// sweep deletes collectable blobs in parallel. Each blob is re-checked
// under its digest lock first: a store of the same content since the scan
// refreshes its timestamp, and such a blob is moved back to the retained
// side of the status.
func (gc *GarbageCollector) sweep(ctx context.Context, threshold time.Time, blobs []blobstore.BlobInfo, status *Status) error {
	results := make([]sweepResult, len(blobs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(gc.m.sweepConcurrency)

	for i, info := range blobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			deleted, err := gc.deleteIfOlder(ctx, info.Digest, threshold)
			switch {
			case errors.Is(err, blobstore.ErrBlobNotFound):
			case err != nil:
				gc.m.logger.Warn("gc: failed to delete blob", "digest", info.Digest.Hex, "error", err)
				results[i].err = fmt.Errorf("delete %s: %w", info.Digest.Hex, err)
			case !deleted:
				results[i].refreshed = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	var errs []error
	for i, r := range results {
		switch {
		case r.refreshed:
			status.NumBinariesGC--
			status.SizeBinariesGC -= blobs[i].Size
			status.NumBinaries++
			status.SizeBinaries += blobs[i].Size
		case r.err != nil:
			status.DeleteFailures++
			errs = append(errs, r.err)
		}
	}
	return errors.Join(errs...)
}

// deleteIfOlder deletes the blob unless its timestamp is at or after
// threshold. Holding the digest lock keeps stores in this process from
// refreshing the blob between the check and the delete; stores that
// implement StaleDeleter also guard against other processes.
func (gc *GarbageCollector) deleteIfOlder(ctx context.Context, d digest.Digest, threshold time.Time) (bool, error) {
	unlock := gc.m.locks.lock(d.Hex)
	defer unlock()

	if sd, ok := gc.m.store.(blobstore.StaleDeleter); ok {
		return sd.DeleteIfOlder(ctx, d, threshold)
	}

	current, err := gc.m.store.Stat(ctx, d)
	if err != nil {
		return false, err
	}
	if !current.ModTime.Before(threshold) {
		return false, nil
	}
	if err := gc.m.store.Delete(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

func (gc *GarbageCollector) logStatus(s Status, remove bool) {
	gc.m.logger.Info("gc complete",
		"delete", remove,
		"retained", s.NumBinaries,
		"retained_size", s.SizeBinaries,
		"collected", s.NumBinariesGC,
		"collected_size", s.SizeBinariesGC,
		"failures", s.DeleteFailures,
	)
}
