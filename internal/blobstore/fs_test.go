package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func newTestClock() *testClock { return &testClock{now: testEpoch} }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func hashBytes(data []byte) digest.Digest {
	return digest.Of(digest.MD5, data)
}

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	return newTestStoreWithClock(t, newTestClock())
}

func newTestStoreWithClock(t *testing.T, clock *testClock) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

// stage writes data to a staging file and returns its path.
func stage(t *testing.T, s BlobStore, data []byte) string {
	t.Helper()
	f, err := s.CreateTemp()
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func put(t *testing.T, s BlobStore, data []byte) digest.Digest {
	t.Helper()
	d := hashBytes(data)
	_, err := s.Put(context.Background(), d, stage(t, s, data))
	require.NoError(t, err)
	return d
}

func TestFSStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("test blob data")
	d := hashBytes(data)

	created, err := s.Put(ctx, d, stage(t, s, data))
	require.NoError(t, err)
	assert.True(t, created)

	reader, err := s.Get(ctx, d)
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFSStore_Stat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Stat(ctx, hashBytes([]byte("nope")))
	assert.ErrorIs(t, err, ErrBlobNotFound)

	d := put(t, s, []byte("test"))

	info, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, d, info.Digest)
	assert.Equal(t, int64(4), info.Size)
	assert.True(t, info.ModTime.Equal(testEpoch))
}

func TestFSStore_Put_Idempotent(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStoreWithClock(t, clock)

	data := []byte("test")
	d := put(t, s, data)

	clock.Advance(time.Hour)
	staged := stage(t, s, data)
	created, err := s.Put(ctx, d, staged)
	require.NoError(t, err)
	assert.False(t, created)

	// Duplicate staging file is discarded.
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	// Existing blob is touched.
	info, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(testEpoch.Add(time.Hour)))

	count, _, err := Usage(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFSStore_Put_MissingStagedFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := hashBytes([]byte("x"))
	_, err := s.Put(ctx, d, filepath.Join(s.Root(), "tmp", "missing"))
	assert.Error(t, err)

	_, err = s.Stat(ctx, d)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSStore_Get_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, hashBytes([]byte("nonexistent")))
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := put(t, s, []byte("test"))

	require.NoError(t, s.Delete(ctx, d))

	_, err := s.Stat(ctx, d)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSStore_Delete_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Should not error when deleting non-existent blob
	err := s.Delete(ctx, hashBytes([]byte("nonexistent")))
	assert.NoError(t, err)
}

func TestFSStore_Path_Sharded(t *testing.T) {
	s := newTestStore(t)
	d := digest.MustParse("d25ea4f4642073b7f218024d397dbaef")

	assert.Equal(t, filepath.Join(s.Root(), "data", "d2", "5ea4f4642073b7f218024d397dbaef"), s.Path(d))
}

func TestFSStore_Adopt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(src, []byte("adopted"), 0644))
	d := hashBytes([]byte("adopted"))

	created, err := s.Adopt(ctx, d, src)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(s.Path(d))
	require.NoError(t, err)
	assert.Equal(t, []byte("adopted"), got)
}

func TestFSStore_MemMapFs(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore("/store", WithFs(afero.NewMemMapFs()), WithClock(newTestClock().Now))
	require.NoError(t, err)

	d := put(t, s, []byte("in memory"))

	info, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)

	var seen []digest.Digest
	require.NoError(t, s.Walk(ctx, func(bi BlobInfo) error {
		seen = append(seen, bi.Digest)
		return nil
	}))
	assert.Equal(t, []digest.Digest{d}, seen)
}
