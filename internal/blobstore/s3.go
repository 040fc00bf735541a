package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"
)

const clockKey = ".binstore-clock"

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Endpoint   string
	Region     string
	Bucket     string
	Prefix     string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	PathStyle  bool
	StagingDir string // local directory for staging files; defaults to os.TempDir()
}

// S3Store implements BlobStore on an S3-compatible object store.
//
// Object stores have no rename, so Put uploads the staged file with a single
// PUT. The key is the content digest, which makes a racing duplicate upload
// write identical bytes: the outcome is the same as create-if-absent.
type S3Store struct {
	cl         *minio.Client
	bucket     string
	prefix     string
	staging    afero.Fs
	stagingDir string
}

// NewS3Store connects to the bucket, creating it if it does not exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	stagingDir := cfg.StagingDir
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	staging := afero.NewOsFs()
	if err := staging.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return &S3Store{
		cl:         cl,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		staging:    staging,
		stagingDir: stagingDir,
	}, nil
}

// Stat returns the object's size and last-modified time.
func (s *S3Store) Stat(ctx context.Context, d digest.Digest) (BlobInfo, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, s.key(d), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return BlobInfo{}, ErrBlobNotFound
		}
		return BlobInfo{}, fmt.Errorf("stat blob %s: %w", d, err)
	}
	return BlobInfo{Digest: d, Size: info.Size, ModTime: info.LastModified}, nil
}

// Get opens the object for reading.
func (s *S3Store) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, s.key(d), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", d, err)
	}
	// GetObject is lazy; Stat forces the request so a missing key surfaces here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get blob %s: %w", d, err)
	}
	return obj, nil
}

// CreateTemp creates a local staging file.
func (s *S3Store) CreateTemp() (afero.File, error) {
	f, err := afero.TempFile(s.staging, s.stagingDir, ".blob-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// RemoveTemp removes a staging file.
func (s *S3Store) RemoveTemp(stagedPath string) error {
	if err := s.staging.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}

// Put uploads the staged file unless the object already exists, in which
// case the object is touched instead. The staged file is always removed.
func (s *S3Store) Put(ctx context.Context, d digest.Digest, stagedPath string) (bool, error) {
	defer s.RemoveTemp(stagedPath)

	if _, err := s.Stat(ctx, d); err == nil {
		return false, s.touch(ctx, d)
	} else if !errors.Is(err, ErrBlobNotFound) {
		return false, err
	}

	f, err := s.staging.Open(stagedPath)
	if err != nil {
		return false, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat staged file: %w", err)
	}

	_, err = s.cl.PutObject(ctx, s.bucket, s.key(d), f, fi.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return false, fmt.Errorf("upload blob %s: %w", d, err)
	}
	return true, nil
}

// touch refreshes LastModified with a server-side self-copy. S3 only allows
// copying an object onto itself when its metadata is replaced.
func (s *S3Store) touch(ctx context.Context, d digest.Digest) error {
	key := s.key(d)
	_, err := s.cl.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{"Touched": time.Now().UTC().Format(time.RFC3339Nano)},
		},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	if err != nil {
		return fmt.Errorf("touch blob %s: %w", d, err)
	}
	return nil
}

// Delete removes the object. Deleting a missing key is not an error in S3.
func (s *S3Store) Delete(ctx context.Context, d digest.Digest) error {
	if err := s.cl.RemoveObject(ctx, s.bucket, s.key(d), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete blob %s: %w", d, err)
	}
	return nil
}

// Walk lists every object under the prefix.
func (s *S3Store) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list blobs: %w", obj.Err)
		}
		d, err := digest.Parse(path.Base(obj.Key))
		if err != nil {
			continue
		}
		if err := fn(BlobInfo{Digest: d, Size: obj.Size, ModTime: obj.LastModified}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Now writes a marker object and returns its LastModified, which is the
// server's clock. Walk skips the marker because its name is not a digest.
func (s *S3Store) Now(ctx context.Context) (time.Time, error) {
	key := clockKey
	if s.prefix != "" {
		key = s.prefix + "/" + clockKey
	}
	body := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.cl.PutObject(ctx, s.bucket, key, strings.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/plain",
	}); err != nil {
		return time.Time{}, fmt.Errorf("write clock marker: %w", err)
	}
	info, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("stat clock marker: %w", err)
	}
	return info.LastModified, nil
}

// Close is a no-op; the client holds no resources that need releasing.
func (s *S3Store) Close() error { return nil }

// key returns the object key for a blob: prefix/ab/abcd...
func (s *S3Store) key(d digest.Digest) string {
	return objectKey(s.prefix, d)
}

func objectKey(prefix string, d digest.Digest) string {
	shard := d.Hex
	if len(shard) > 2 {
		shard = shard[:2]
	}
	if prefix == "" {
		return shard + "/" + d.Hex
	}
	return prefix + "/" + shard + "/" + d.Hex
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
