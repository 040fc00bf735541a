package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/config"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/kilupskalvis/binstore/internal/refstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) {
	t.Helper()
	putDoc, putMove, gcDelete = "", false, false
	initBackend, initAlgorithm, initRefs = config.BackendFS, digest.Default.String(), refstore.BackendBbolt
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
}

func age(t *testing.T, cfg *config.Config, d digest.Digest) {
	t.Helper()
	store, err := blobstore.NewFSStore(cfg.BlobRoot())
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(store.Path(d), past, past))
}

func blobExists(t *testing.T, cfg *config.Config, d digest.Digest) bool {
	t.Helper()
	store, err := blobstore.NewFSStore(cfg.BlobRoot())
	require.NoError(t, err)
	_, err = store.Stat(context.Background(), d)
	return err == nil
}

func TestCLI_PutReferenceAndCollect(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	execute(t, "init", "--refs", "sqlite")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta"), 0644))

	execute(t, "put", "--doc", "doc1", "a.txt")
	execute(t, "put", "b.txt")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Refs.Backend)

	alpha := digest.Of(digest.MD5, []byte("alpha"))
	beta := digest.Of(digest.MD5, []byte("beta"))

	refs, err := refstore.Open(cfg.Refs.Backend, cfg.RefsPath())
	require.NoError(t, err)
	got, err := refs.ListRefs(context.Background(), "doc1")
	require.NoError(t, err)
	require.NoError(t, refs.Close())
	assert.Equal(t, []string{alpha.Hex}, got)

	age(t, cfg, alpha)
	age(t, cfg, beta)

	execute(t, "gc")
	assert.True(t, blobExists(t, cfg, alpha))
	assert.True(t, blobExists(t, cfg, beta))

	execute(t, "gc", "--delete")
	assert.True(t, blobExists(t, cfg, alpha))
	assert.False(t, blobExists(t, cfg, beta))
}

func TestCLI_PutMove(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	execute(t, "init", "--algorithm", "sha-256")

	src := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(src, []byte("moved content"), 0644))

	execute(t, "put", "--move", src)

	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, blobExists(t, cfg, digest.Of(digest.SHA256, []byte("moved content"))))
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug", "text").Enabled(ctx, -4))
	assert.False(t, newLogger("warn", "json").Enabled(ctx, 0))
	assert.False(t, newLogger("bogus", "text").Enabled(ctx, 0))
	assert.True(t, newLogger("error", "json").Enabled(ctx, 8))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3*512*1024))
}
