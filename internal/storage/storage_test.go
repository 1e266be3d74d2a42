package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/server/config"
)

func TestLocalStorage_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "uploads")

	s, err := Open(ctx, config.StorageConfig{Backend: "local"}, dir)
	require.NoError(t, err)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	payload := []byte("picture-bytes")
	require.NoError(t, s.Put(ctx, "profilePicture-1.png", bytes.NewReader(payload), int64(len(payload)), "image/png"))

	rc, err := s.Get(ctx, "profilePicture-1.png")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, s.Delete(ctx, "profilePicture-1.png"))
	require.NoError(t, s.Delete(ctx, "profilePicture-1.png"))

	_, err = s.Get(ctx, "profilePicture-1.png")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestStorage_RejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StorageConfig{}, t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", " ", "..", ".", "../etc/passwd", "a/b.png", `a\b.png`} {
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
		assert.ErrorIs(t, s.Put(ctx, key, bytes.NewReader(nil), 0, ""), ErrInvalidKey, key)
		assert.ErrorIs(t, s.Delete(ctx, key), ErrInvalidKey, key)
	}
}

func TestOpen_BackendValidation(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.StorageConfig{Backend: "ftp"}, t.TempDir())
	require.Error(t, err)

	_, err = Open(ctx, config.StorageConfig{Backend: "minio"}, "")
	require.ErrorContains(t, err, "minio endpoint is required")

	_, err = Open(ctx, config.StorageConfig{Backend: "gcs"}, "")
	require.ErrorContains(t, err, "gcs bucket is required")

	_, err = Open(ctx, config.StorageConfig{Backend: "local"}, "")
	require.Error(t, err)
}
