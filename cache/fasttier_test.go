package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResponse(body string, ttl time.Duration) *Response {
	now := time.Now()
	return &Response{
		Status:      200,
		ContentType: "video/mp4",
		Body:        []byte(body),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestS3FIFOGetPut(t *testing.T) {
	tier := NewS3FIFO(1 << 20)

	tier.Put("a", newResponse("hello", time.Minute))

	resp, ok := tier.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), resp.Body)

	_, ok = tier.Get("missing")
	assert.False(t, ok)
}

func TestS3FIFOExpiredEntryIsMiss(t *testing.T) {
	clock := time.Now()
	tier := NewS3FIFO(1<<20, WithFastTierClock(func() time.Time { return clock }))

	resp := newResponse("soon gone", time.Minute)
	resp.CreatedAt = clock
	resp.ExpiresAt = clock.Add(time.Minute)
	tier.Put("a", resp)

	_, ok := tier.Get("a")
	require.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	_, ok = tier.Get("a")
	assert.False(t, ok)
	assert.Zero(t, tier.Stats().Entries)
}

func TestS3FIFOEvictsWithinCapacity(t *testing.T) {
	tier := NewS3FIFO(4096)

	for i := 0; i < 20; i++ {
		tier.Put(fmt.Sprintf("key-%d", i), newResponse(string(make([]byte, 512)), time.Minute))
	}

	stats := tier.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(4096))
	assert.Less(t, stats.Entries, 20)
}

func TestS3FIFORepeatedAccessSurvivesOneHitWonders(t *testing.T) {
	tier := NewS3FIFO(8192)

	tier.Put("hot", newResponse(string(make([]byte, 256)), time.Minute))
	for i := 0; i < 5; i++ {
		_, ok := tier.Get("hot")
		require.True(t, ok)
	}

	// flood with one-hit wonders to force evictions through the small queue
	for i := 0; i < 64; i++ {
		tier.Put(fmt.Sprintf("cold-%d", i), newResponse(string(make([]byte, 256)), time.Minute))
	}

	_, ok := tier.Get("hot")
	assert.True(t, ok, "frequently accessed entry should graduate to the main queue")
}

func TestS3FIFOGhostReadmission(t *testing.T) {
	tier := NewS3FIFO(2048)

	tier.Put("a", newResponse(string(make([]byte, 128)), time.Minute))

	// push "a" out through the small queue
	for i := 0; i < 64; i++ {
		tier.Put(fmt.Sprintf("fill-%d", i), newResponse(string(make([]byte, 128)), time.Minute))
	}
	_, ok := tier.Get("a")
	require.False(t, ok)
	require.Positive(t, tier.Stats().Ghosts)

	tier.Put("a", newResponse(string(make([]byte, 128)), time.Minute))
	_, ok = tier.Get("a")
	assert.True(t, ok)
}

func TestS3FIFOOversizedEntryRejected(t *testing.T) {
	tier := NewS3FIFO(1024)

	tier.Put("huge", newResponse(string(make([]byte, 4096)), time.Minute))

	_, ok := tier.Get("huge")
	assert.False(t, ok)
	assert.Zero(t, tier.Stats().Entries)
}

func TestS3FIFODelete(t *testing.T) {
	tier := NewS3FIFO(1 << 20)

	tier.Put("a", newResponse("x", time.Minute))
	tier.Delete("a")
	tier.Delete("a")

	_, ok := tier.Get("a")
	assert.False(t, ok)
}

func TestResponseAge(t *testing.T) {
	now := time.Now()
	resp := &Response{CreatedAt: now, ExpiresAt: now.Add(100 * time.Second)}

	assert.InDelta(t, 0.0, resp.Age(now), 0.001)
	assert.InDelta(t, 0.5, resp.Age(now.Add(50*time.Second)), 0.001)
	assert.InDelta(t, 1.0, resp.Age(now.Add(200*time.Second)), 0.001)
}
