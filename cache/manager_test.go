package cache

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/media-gateway/kv"
	"github.com/wolfeidau/media-gateway/origin"
)

func newTestManager(t *testing.T) (*Manager, kv.Store) {
	t.Helper()

	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "cache.db"), kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	ttl := NewTTLResolver(origin.TTLProfile{OK: 3600, ClientError: 60, ServerError: 10})
	return NewManager(NewS3FIFO(1<<20), store, ttl), store
}

func TestManagerMiss(t *testing.T) {
	m, _ := newTestManager(t)

	hit, err := m.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestManagerFastTierHit(t *testing.T) {
	m, _ := newTestManager(t)

	m.StoreFast("k", &Response{Status: 200, ContentType: "video/mp4", Body: []byte("body")}, time.Minute)

	hit, err := m.Lookup(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, TierFast, hit.Tier)
	assert.Equal(t, []byte("body"), hit.Bytes)
	assert.Equal(t, "video/mp4", hit.ContentType)
}

func TestManagerPersistentHitPromotes(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	err := store.Put(ctx, kv.NamespaceResponse, "k", []byte("persisted"),
		kv.Metadata{Status: 200, ContentType: "video/mp4"}, time.Hour)
	require.NoError(t, err)

	hit, err := m.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, TierPersistent, hit.Tier)
	assert.Equal(t, []byte("persisted"), hit.Bytes)

	// second lookup is served from the fast tier
	hit, err = m.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, TierFast, hit.Tier)
}

func TestManagerChunkedEntryStreams(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cc")}
	var total int64
	for i, c := range chunks {
		total += int64(len(c))
		err := store.Put(ctx, kv.NamespaceResponse, kv.ChunkKey("big", i), c,
			kv.Metadata{ChunkNumber: i}, time.Hour)
		require.NoError(t, err)
	}
	err := store.Put(ctx, kv.NamespaceResponse, "big", nil,
		kv.Metadata{Status: 200, ContentType: "video/mp4", ChunkCount: len(chunks), Size: total}, time.Hour)
	require.NoError(t, err)

	hit, err := m.Lookup(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, TierPersistent, hit.Tier)
	assert.Nil(t, hit.Bytes)
	assert.Equal(t, total, hit.Size)

	body, err := io.ReadAll(hit.Reader())
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaabbbbcc"), body)
}

func TestManagerShouldRenew(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.ShouldRenew(nil))
	assert.False(t, m.ShouldRenew(&Hit{Age: 0.1}))
	assert.True(t, m.ShouldRenew(&Hit{Age: 0.25}))
	assert.True(t, m.ShouldRenew(&Hit{Age: 0.9}))
}

func TestManagerInvalidate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	m.StoreFast("k", &Response{Status: 200, Body: []byte("x")}, time.Minute)
	err := store.Put(ctx, kv.NamespaceResponse, "k", []byte("x"), kv.Metadata{}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, "k"))

	hit, err := m.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, hit)
}
