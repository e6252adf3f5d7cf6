package kv

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...BoltOption) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	opts = append([]BoltOption{WithNoSync(true)}, opts...)
	store, err := OpenBolt(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta := Metadata{ContentType: "video/mp4"}
	err := store.Put(ctx, NamespaceResponse, "/videos/a.mp4", []byte("payload"), meta, time.Hour)
	require.NoError(t, err)

	entry, err := store.Get(ctx, NamespaceResponse, "/videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), entry.Value)
	assert.Equal(t, "video/mp4", entry.Meta.ContentType)
	assert.Equal(t, int64(7), entry.Meta.Size)
	assert.False(t, entry.Meta.ExpiresAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), NamespaceResponse, "/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNamespaceIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "k", []byte("response"), Metadata{}, 0))
	require.NoError(t, store.Put(ctx, NamespaceSignedURL, "k", []byte("signed"), Metadata{}, 0))

	a, err := store.Get(ctx, NamespaceResponse, "k")
	require.NoError(t, err)
	b, err := store.Get(ctx, NamespaceSignedURL, "k")
	require.NoError(t, err)

	assert.Equal(t, []byte("response"), a.Value)
	assert.Equal(t, []byte("signed"), b.Value)
}

func TestExpiredEntryTreatedAsAbsent(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "k", []byte("v"), Metadata{}, time.Minute))

	_, err := store.Get(ctx, NamespaceResponse, "k")
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = store.Get(ctx, NamespaceResponse, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutOverwriteResetsExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "k", []byte("v1"), Metadata{}, time.Minute))

	current = current.Add(50 * time.Second)
	require.NoError(t, store.Put(ctx, NamespaceResponse, "k", []byte("v2"), Metadata{}, time.Minute))

	// Past the original expiry but within the renewed one.
	current = current.Add(30 * time.Second)
	entry, err := store.Get(ctx, NamespaceResponse, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)

	// Only one expiry index row should remain for the key.
	expired, err := store.Expired(ctx, current.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "k", []byte("v"), Metadata{}, time.Hour))
	require.NoError(t, store.Delete(ctx, NamespaceResponse, "k"))

	_, err := store.Get(ctx, NamespaceResponse, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// Idempotent.
	require.NoError(t, store.Delete(ctx, NamespaceResponse, "k"))
}

func TestKeysPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "/videos/a.mp4", []byte("a"), Metadata{}, 0))
	require.NoError(t, store.Put(ctx, NamespaceResponse, ChunkKey("/videos/b.mp4", 0), []byte("b0"), Metadata{}, 0))
	require.NoError(t, store.Put(ctx, NamespaceResponse, ChunkKey("/videos/b.mp4", 1), []byte("b1"), Metadata{}, 0))

	keys, err := store.Keys(ctx, NamespaceResponse, "/videos/b.mp4_chunk_")
	require.NoError(t, err)
	assert.Equal(t, []string{"/videos/b.mp4_chunk_0", "/videos/b.mp4_chunk_1"}, keys)
}

func TestExpiredSweepOrder(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "late", []byte("v"), Metadata{}, 2*time.Hour))
	require.NoError(t, store.Put(ctx, NamespaceResponse, "early", []byte("v"), Metadata{}, time.Minute))

	expired, err := store.Expired(ctx, current.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "early", expired[0].Key)
	assert.Equal(t, "late", expired[1].Key)

	// Limited to entries at or before the cutoff.
	expired, err = store.Expired(ctx, current.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].Key)
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, NamespaceResponse, "a", []byte("aaa"), Metadata{}, 0))
	require.NoError(t, store.Put(ctx, NamespaceResponse, "b", []byte("bbb"), Metadata{}, 0))
	require.NoError(t, store.Put(ctx, NamespaceSignedURL, "c", []byte("ccc"), Metadata{}, 0))

	stats, err := store.Stats(ctx, NamespaceResponse)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Positive(t, stats.TotalBytes)
}

func TestLargeValueRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Compressible payload well above the compression threshold.
	value := bytes.Repeat([]byte("media-gateway "), 64*1024)
	require.NoError(t, store.Put(ctx, NamespaceResponse, "big", value, Metadata{}, time.Hour))

	entry, err := store.Get(ctx, NamespaceResponse, "big")
	require.NoError(t, err)
	assert.Equal(t, value, entry.Value)
	assert.Equal(t, int64(len(value)), entry.Meta.Size)
}
