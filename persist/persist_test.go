package persist

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/media-gateway/kv"
)

func openTestStore(t *testing.T) kv.Store {
	t.Helper()

	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "persist.db"), kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func randomBody(t *testing.T, size int) []byte {
	t.Helper()

	body := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(body)
	require.NoError(t, err)
	return body
}

func TestPersistSmallBodySingleEntry(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store)
	ctx := context.Background()

	body := []byte("small body")
	n, err := w.Persist(ctx, "k", bytes.NewReader(body),
		kv.Metadata{Status: 200, ContentType: "video/mp4"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)

	entry, err := store.Get(ctx, kv.NamespaceResponse, "k")
	require.NoError(t, err)
	assert.Equal(t, body, entry.Value)
	assert.Zero(t, entry.Meta.ChunkCount)
	assert.Equal(t, int64(len(body)), entry.Meta.Size)
	assert.Equal(t, "video/mp4", entry.Meta.ContentType)
}

func TestPersistLargeBodyChunks(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store,
		WithBufferGuard(1024),
		WithChunkSize(512),
		WithMaxSize(1<<20),
	)
	ctx := context.Background()

	body := randomBody(t, 2500)
	n, err := w.Persist(ctx, "big", bytes.NewReader(body),
		kv.Metadata{Status: 200, ContentType: "video/mp4"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)

	manifest, err := store.Get(ctx, kv.NamespaceResponse, "big")
	require.NoError(t, err)
	assert.Equal(t, 5, manifest.Meta.ChunkCount)
	assert.Equal(t, int64(2500), manifest.Meta.Size)
	assert.Empty(t, manifest.Value)

	var got []byte
	for i := 0; i < manifest.Meta.ChunkCount; i++ {
		chunk, err := store.Get(ctx, kv.NamespaceResponse, kv.ChunkKey("big", i))
		require.NoError(t, err)
		assert.Equal(t, i, chunk.Meta.ChunkNumber)
		got = append(got, chunk.Value...)
	}
	assert.Equal(t, body, got)

	// the final chunk records the full processed size
	last, err := store.Get(ctx, kv.NamespaceResponse, kv.ChunkKey("big", 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), last.Meta.ProcessedBytes)
}

func TestPersistChunkBoundaryExact(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, WithBufferGuard(1024), WithChunkSize(512), WithMaxSize(1<<20))
	ctx := context.Background()

	body := randomBody(t, 1536)
	_, err := w.Persist(ctx, "exact", bytes.NewReader(body), kv.Metadata{}, time.Hour)
	require.NoError(t, err)

	manifest, err := store.Get(ctx, kv.NamespaceResponse, "exact")
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.Meta.ChunkCount)
}

func TestPersistOverCeilingAbandoned(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, WithBufferGuard(256), WithChunkSize(128), WithMaxSize(1024))
	ctx := context.Background()

	_, err := w.Persist(ctx, "huge", bytes.NewReader(randomBody(t, 4096)), kv.Metadata{}, time.Hour)
	require.ErrorIs(t, err, ErrTooLarge)

	// no manifest and no orphaned chunks
	_, err = store.Get(ctx, kv.NamespaceResponse, "huge")
	require.ErrorIs(t, err, kv.ErrNotFound)

	keys, err := store.Keys(ctx, kv.NamespaceResponse, "huge")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPersistStreamsWithoutFullBuffer(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, WithBufferGuard(1024), WithChunkSize(512), WithMaxSize(64<<20))
	ctx := context.Background()

	// reader that produces far more than the guard one small read at a time
	const total = 1 << 20
	n, err := w.Persist(ctx, "stream", io.LimitReader(rand.New(rand.NewSource(7)), total), kv.Metadata{}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)

	manifest, err := store.Get(ctx, kv.NamespaceResponse, "stream")
	require.NoError(t, err)
	assert.Equal(t, total/512, manifest.Meta.ChunkCount)
}

func TestDropRemovesChunks(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, WithBufferGuard(256), WithChunkSize(128), WithMaxSize(1<<20))
	ctx := context.Background()

	_, err := w.Persist(ctx, "doomed", bytes.NewReader(randomBody(t, 700)), kv.Metadata{}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, w.Drop(ctx, "doomed"))

	keys, err := store.Keys(ctx, kv.NamespaceResponse, "doomed")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
