// Package gcjob drives a garbage collection cycle from a reference source.
package gcjob

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/kilupskalvis/binstore/internal/digest"
)

// ReferenceSource enumerates the digests that are currently referenced.
type ReferenceSource interface {
	AllDigests(ctx context.Context) (map[string]bool, error)
}

// Options configures a run.
type Options struct {
	// Delete removes collectable blobs. When false the run is a dry run.
	Delete bool
}

// Result contains the outcome of a garbage collection run.
type Result struct {
	Status   binary.Status
	Marked   int
	Skipped  []string // referenced values that are not valid digests
	Deleted  bool
	Duration time.Duration
}

// Run starts a cycle on gc, marks every digest refs reports, and stops the
// cycle. References are read after the cycle starts, so a reference
// committed before Start is always seen and anything stored later is covered
// by the grace window. If marking fails the cycle is ended as a dry run and
// nothing is deleted.
func Run(ctx context.Context, refs ReferenceSource, gc *binary.GarbageCollector, opts Options, logger *slog.Logger) (*Result, error) {
	began := time.Now()
	if err := gc.Start(); err != nil {
		return nil, fmt.Errorf("start gc: %w", err)
	}

	result := &Result{}
	if err := mark(ctx, refs, gc, result, logger); err != nil {
		if _, stopErr := gc.Stop(ctx, false); stopErr != nil {
			logger.Warn("gc: failed to abort cycle", "error", stopErr)
		}
		return nil, err
	}

	status, err := gc.Stop(ctx, opts.Delete)
	result.Status = status
	result.Deleted = opts.Delete
	result.Duration = time.Since(began)

	logger.Info("gc run complete",
		"marked", result.Marked,
		"skipped", len(result.Skipped),
		"retained", status.NumBinaries,
		"collected", status.NumBinariesGC,
		"collected_size", status.SizeBinariesGC,
		"delete", opts.Delete,
		"duration", result.Duration,
	)

	if err != nil {
		return result, fmt.Errorf("stop gc: %w", err)
	}
	return result, nil
}

func mark(ctx context.Context, refs ReferenceSource, gc *binary.GarbageCollector, result *Result, logger *slog.Logger) error {
	referenced, err := refs.AllDigests(ctx)
	if err != nil {
		return fmt.Errorf("get referenced digests: %w", err)
	}

	for hex := range referenced {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := digest.Parse(hex); err != nil {
			logger.Warn("gc: skipping invalid reference", "digest", hex)
			result.Skipped = append(result.Skipped, hex)
			continue
		}
		if err := gc.Mark(hex); err != nil {
			return fmt.Errorf("mark %s: %w", hex, err)
		}
		result.Marked++
	}
	sort.Strings(result.Skipped)
	return nil
}
