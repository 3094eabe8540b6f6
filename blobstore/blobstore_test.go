package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"local":  local,
		"memory": NewMemoryStore(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("records blob payload")

			// Missing blob
			_, err := store.Get(ctx, "records.json")
			require.ErrorIs(t, err, ErrNotFound)

			// Put + Get
			require.NoError(t, store.Put(ctx, "records.json", data))
			got, err := store.Get(ctx, "records.json")
			require.NoError(t, err)
			require.Equal(t, data, got)

			// Overwrite
			require.NoError(t, store.Put(ctx, "records.json", []byte("v2")))
			got, err = store.Get(ctx, "records.json")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)

			// List with prefix
			require.NoError(t, store.Put(ctx, "ann.graph", []byte("g")))
			require.NoError(t, store.Put(ctx, "ann.map", []byte("m")))

			names, err := store.List(ctx, "ann")
			require.NoError(t, err)
			require.Equal(t, []string{"ann.graph", "ann.map"}, names)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)

			// Delete is idempotent
			require.NoError(t, store.Delete(ctx, "records.json"))
			require.NoError(t, store.Delete(ctx, "records.json"))
			_, err = store.Get(ctx, "records.json")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalStoreAtomicWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "snap.mvlt", []byte("payload")))

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "snap.mvlt", entries[0].Name())

	// Nested names create directories.
	require.NoError(t, store.Put(ctx, "users/u1/records.json", []byte("r")))
	_, err = os.Stat(filepath.Join(dir, "users", "u1", "records.json"))
	require.NoError(t, err)

	names, err := store.List(ctx, "users/")
	require.NoError(t, err)
	require.Equal(t, []string{"users/u1/records.json"}, names)
}
