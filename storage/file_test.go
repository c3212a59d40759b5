package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/stretchr/testify/require"
)

func testBlobStore(t *testing.T, store interfaces.BlobStore) {
	ctx := context.Background()

	_, err := store.Get(ctx, "escrow/alice/security_key")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, store.Put(ctx, "escrow/alice/security_key", []byte("v1")))
	require.NoError(t, store.Put(ctx, "escrow/alice/security_key", []byte("v2")))
	require.NoError(t, store.Put(ctx, "escrow/alice/roomkeys/s1", []byte("r1")))
	require.NoError(t, store.Put(ctx, "escrow/bob/security_key", []byte("b")))

	data, err := store.Get(ctx, "escrow/alice/security_key")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)

	keys, err := store.List(ctx, "escrow/alice/")
	require.NoError(t, err)
	require.Equal(t, []string{"escrow/alice/roomkeys/s1", "escrow/alice/security_key"}, keys)

	require.NoError(t, store.Delete(ctx, "escrow/alice/security_key"))
	require.NoError(t, store.Delete(ctx, "escrow/alice/security_key"))

	_, err = store.Get(ctx, "escrow/alice/security_key")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.True(t, store.Available(ctx))
}

func TestMemoryBackend(t *testing.T) {
	testBlobStore(t, NewMemoryBackend("test"))
}

func TestFileBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	testBlobStore(t, store)

	err = store.Put(context.Background(), "../escape", []byte("x"))
	require.Error(t, err)
}

func TestStorageBackendFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewStorageBackendFactory(logger)

	store, err := factory.FromURIs([]string{"memory://escrow"})
	require.NoError(t, err)
	require.Equal(t, "memory://escrow", store.LocationURI())

	store, err = factory.FromURIs([]string{"memory://a", "file://" + t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "multi-storage", store.Name())
	testBlobStore(t, store)

	_, err = factory.FromURIs([]string{"ipfs://localhost:5001"})
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	loc, err := interfaces.NewStorageBackendLocation("vault://vault.local:8200/secret")
	require.NoError(t, err)
	_, err = factory.StorageBackendFor(loc)
	require.Error(t, err)
}
