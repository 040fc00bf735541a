package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/minio/minio-go/v7"
	"github.com/spf13/afero"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryStore wraps a BlobStore with automatic retry on transient errors.
// Stat, Get and Delete are retried. Put consumes its staged file and Walk
// has already invoked the callback when it fails, so neither is retried.
type RetryStore struct {
	inner  BlobStore
	config *RetryConfig
}

// NewRetryStore creates a RetryStore that wraps the given BlobStore.
func NewRetryStore(inner BlobStore, cfg *RetryConfig) *RetryStore {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryStore{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBlobNotFound) || errors.Is(err, digest.ErrInvalidDigest) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode != 0 {
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.Code == "SlowDown"
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rs *RetryStore) backoff(attempt int) time.Duration {
	base := float64(rs.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rs.config.MaxBackoff) {
		base = float64(rs.config.MaxBackoff)
	}
	jitter := base * rs.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rs *RetryStore) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rs.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rs.config.MaxRetries {
			if err := sleep(ctx, rs.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rs.config.MaxRetries)
}

func (rs *RetryStore) Stat(ctx context.Context, d digest.Digest) (info BlobInfo, err error) {
	err = rs.retry(ctx, "stat blob", func() error {
		info, err = rs.inner.Stat(ctx, d)
		return err
	})
	return
}

func (rs *RetryStore) Get(ctx context.Context, d digest.Digest) (rc io.ReadCloser, err error) {
	err = rs.retry(ctx, "get blob", func() error {
		rc, err = rs.inner.Get(ctx, d)
		return err
	})
	return
}

func (rs *RetryStore) CreateTemp() (afero.File, error) {
	return rs.inner.CreateTemp()
}

func (rs *RetryStore) RemoveTemp(stagedPath string) error {
	return rs.inner.RemoveTemp(stagedPath)
}

func (rs *RetryStore) Put(ctx context.Context, d digest.Digest, stagedPath string) (bool, error) {
	return rs.inner.Put(ctx, d, stagedPath)
}

func (rs *RetryStore) Delete(ctx context.Context, d digest.Digest) error {
	return rs.retry(ctx, "delete blob", func() error {
		return rs.inner.Delete(ctx, d)
	})
}

func (rs *RetryStore) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	return rs.inner.Walk(ctx, fn)
}

// Now reads the inner store's clock, retrying transient errors. It returns
// the zero time when the inner store has no clock.
func (rs *RetryStore) Now(ctx context.Context) (now time.Time, err error) {
	clock, ok := rs.inner.(Clock)
	if !ok {
		return time.Time{}, nil
	}
	err = rs.retry(ctx, "now", func() error {
		now, err = clock.Now(ctx)
		return err
	})
	return now, err
}

func (rs *RetryStore) Close() error {
	return rs.inner.Close()
}
