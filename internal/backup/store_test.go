package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnwarden/turnwarden/internal/model"
)

func writeWorkdir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestFilesystemStore(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot then restore round-trips the working dir", func(t *testing.T) {
		store := NewFilesystemStore(t.TempDir())
		workdir := writeWorkdir(t, map[string]string{
			"ftherlnd":         "binary-ish",
			"turns/early.2h":   "orders",
			"statusdump.txt":   "turn 3",
		})

		archive, err := store.Snapshot(ctx, workdir, "session-1", 3, model.BackupPost)
		require.NoError(t, err)
		assert.NotEmpty(t, archive.Checksum)
		assert.Greater(t, archive.SizeBytes, int64(0))

		restored := t.TempDir()
		require.NoError(t, store.Restore(ctx, archive.Ref, archive.Checksum, restored))

		data, err := os.ReadFile(filepath.Join(restored, "turns", "early.2h"))
		require.NoError(t, err)
		assert.Equal(t, "orders", string(data))
	})

	t.Run("restore clears pre-existing working files", func(t *testing.T) {
		store := NewFilesystemStore(t.TempDir())
		workdir := writeWorkdir(t, map[string]string{"keep.txt": "old"})

		archive, err := store.Snapshot(ctx, workdir, "session-2", 1, model.BackupPre)
		require.NoError(t, err)

		target := writeWorkdir(t, map[string]string{"junk.txt": "forward progress"})
		require.NoError(t, store.Restore(ctx, archive.Ref, archive.Checksum, target))

		_, err = os.Stat(filepath.Join(target, "junk.txt"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(target, "keep.txt"))
		assert.NoError(t, err)
	})

	t.Run("snapshots are immutable", func(t *testing.T) {
		store := NewFilesystemStore(t.TempDir())
		workdir := writeWorkdir(t, map[string]string{"a.txt": "one"})

		_, err := store.Snapshot(ctx, workdir, "session-3", 1, model.BackupPre)
		require.NoError(t, err)

		_, err = store.Snapshot(ctx, workdir, "session-3", 1, model.BackupPre)
		assert.Error(t, err)
	})

	t.Run("restore rejects checksum mismatch", func(t *testing.T) {
		store := NewFilesystemStore(t.TempDir())
		workdir := writeWorkdir(t, map[string]string{"a.txt": "one"})

		archive, err := store.Snapshot(ctx, workdir, "session-4", 1, model.BackupPre)
		require.NoError(t, err)

		err = store.Restore(ctx, archive.Ref, "deadbeef", t.TempDir())
		assert.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("exists verifies ref and checksum", func(t *testing.T) {
		store := NewFilesystemStore(t.TempDir())
		workdir := writeWorkdir(t, map[string]string{"a.txt": "one"})

		archive, err := store.Snapshot(ctx, workdir, "session-5", 2, model.BackupPost)
		require.NoError(t, err)

		assert.True(t, store.Exists(archive.Ref, archive.Checksum))
		assert.False(t, store.Exists(archive.Ref, "deadbeef"))
		assert.False(t, store.Exists(filepath.Join(t.TempDir(), "missing.tar.gz"), ""))
	})
}
