package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walkDigests(t *testing.T, s BlobStore) []digest.Digest {
	t.Helper()
	var out []digest.Digest
	require.NoError(t, s.Walk(context.Background(), func(info BlobInfo) error {
		out = append(out, info.Digest)
		return nil
	}))
	return out
}

func TestFSStore_Walk_Empty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, walkDigests(t, s))
}

func TestFSStore_Walk(t *testing.T) {
	s := newTestStore(t)

	var expected []digest.Digest
	for i := 0; i < 3; i++ {
		data := []byte{byte(i), byte(i + 10), byte(i + 20)}
		expected = append(expected, put(t, s, data))
	}

	got := walkDigests(t, s)
	assert.Len(t, got, 3)
	for _, exp := range expected {
		assert.Contains(t, got, exp)
	}
}

func TestFSStore_Walk_SkipsStagingAndStrays(t *testing.T) {
	s := newTestStore(t)
	d := put(t, s, []byte("blob"))

	// A staging file that was never published.
	stage(t, s, []byte("pending"))

	// Stray files that are not digests.
	stray := filepath.Join(s.Root(), "data", "zz")
	require.NoError(t, os.MkdirAll(stray, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stray, "notahash"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stray, ".hidden"), []byte("x"), 0644))

	assert.Equal(t, []digest.Digest{d}, walkDigests(t, s))
}

func TestFSStore_Walk_AfterDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d1 := put(t, s, []byte("blob1"))
	d2 := put(t, s, []byte("blob2"))

	require.NoError(t, s.Delete(ctx, d1))

	assert.Equal(t, []digest.Digest{d2}, walkDigests(t, s))
}

func TestFSStore_Walk_Cancelled(t *testing.T) {
	s := newTestStore(t)
	put(t, s, []byte("blob"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Walk(ctx, func(BlobInfo) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	put(t, s, []byte("abc"))
	put(t, s, []byte("defg"))

	count, size, err := Usage(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(7), size)
}
