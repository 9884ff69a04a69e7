package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssoscout/loginscout/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "artifacts")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("WritesFileAndReturnsURI", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "example.com/robots.txt", "text/plain",
			bytes.NewReader([]byte("Disallow: /login")))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, "example.com/robots.txt"), uri)

		data, err := os.ReadFile(filepath.Join(dir, "example.com/robots.txt"))
		require.NoError(t, err)
		assert.Equal(t, "Disallow: /login", string(data))
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.txt", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})
}
