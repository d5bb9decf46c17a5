package objstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/pkg/objstore"
)

func newFileStore(t *testing.T) *objstore.FileStore {
	t.Helper()
	s, err := objstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.Put(ctx, "archive/0/seg.jsonl.gz", []byte("payload")))
	data, err := s.Get(ctx, "archive/0/seg.jsonl.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Overwrite is last-writer-wins.
	require.NoError(t, s.Put(ctx, "archive/0/seg.jsonl.gz", []byte("newer")))
	data, err = s.Get(ctx, "archive/0/seg.jsonl.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), data)
}

func TestFileStoreGetMissing(t *testing.T) {
	s := newFileStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestFileStoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	ok, err := s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "a/b", []byte("x")))
	ok, err = s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a/b"))
	ok, err = s.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, "a/b"))
}

func TestFileStoreListIsSortedAndPrefixed(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for _, key := range []string{"archive/1/b", "archive/0/a", "archive/0/c", "snapshots/x"} {
		require.NoError(t, s.Put(ctx, key, []byte("x")))
	}
	keys, err := s.List(ctx, "archive/0/")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/0/a", "archive/0/c"}, keys)

	keys, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/0/a", "archive/0/c", "archive/1/b", "snapshots/x"}, keys)
}

func TestFileStoreListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := objstore.NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a/real", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "stale.tmp"), []byte("x"), 0o644))

	keys, err := s.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/real"}, keys)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for _, key := range []string{"../escape", "/abs/path", "a/../../b", "."} {
		assert.Error(t, s.Put(ctx, key, []byte("x")), "key %q", key)
		_, err := s.Get(ctx, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestFactorySelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := objstore.New(ctx, objstore.Config{Backend: objstore.BackendFS, Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*objstore.FileStore)
	assert.True(t, ok)

	_, err = objstore.New(ctx, objstore.Config{Backend: "tape"})
	assert.Error(t, err)
}
