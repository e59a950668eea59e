//go:build integration

package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"model-benchmark/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ObjectStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store := setupObjectStore(t, ctx)

	t.Run("Put Get Delete", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, requestBucket, "abc_train", strings.NewReader("x,y\n1,2\n")))

		exists, err := store.ObjectExists(ctx, requestBucket, "abc_train")
		require.NoError(t, err)
		assert.True(t, exists)

		data, err := store.GetObject(ctx, requestBucket, "abc_train")
		require.NoError(t, err)
		assert.Equal(t, "x,y\n1,2\n", string(data))

		path := filepath.Join(t.TempDir(), "nested", "train.csv")
		require.NoError(t, store.DownloadObject(ctx, requestBucket, "abc_train", path))
		local, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, data, local)

		require.NoError(t, store.DeleteObject(ctx, requestBucket, "abc_train"))
		exists, err = store.ObjectExists(ctx, requestBucket, "abc_train")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Missing objects", func(t *testing.T) {
		_, err := store.GetObject(ctx, requestBucket, "missing")
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)

		err = store.DownloadObject(ctx, requestBucket, "missing", filepath.Join(t.TempDir(), "missing"))
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("UploadDir", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("# report"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "results_table.csv"), []byte("model\n"), 0644))

		keys, err := store.UploadDir(ctx, requestBucket, "abc_report_", dir)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"abc_report_report.md", "abc_report_results_table.csv"}, keys)

		data, err := store.GetObject(ctx, requestBucket, "abc_report_report.md")
		require.NoError(t, err)
		assert.Equal(t, "# report", string(data))
	})
}
