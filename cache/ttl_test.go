package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/media-gateway/origin"
)

func TestTTLResolverPrecedence(t *testing.T) {
	resolver := NewTTLResolver(
		origin.TTLProfile{OK: 86400, Redirects: 300, ClientError: 60, ServerError: 10},
		WithProfiles([]Profile{
			{Name: "mp4", Pattern: `\.mp4$`, TTL: origin.TTLProfile{OK: 300}},
		}),
	)

	// profile overrides the global default for matching paths
	assert.Equal(t, 300*time.Second, resolver.Compute(200, "/videos/clip.mp4", nil))

	// non-matching paths use the global default
	assert.Equal(t, 86400*time.Second, resolver.Compute(200, "/images/poster.jpg", nil))

	// origin override wins over both
	o := &origin.Origin{TTL: &origin.TTLProfile{OK: 30}}
	assert.Equal(t, 30*time.Second, resolver.Compute(200, "/videos/clip.mp4", o))
}

func TestTTLResolverStatusBuckets(t *testing.T) {
	resolver := NewTTLResolver(origin.TTLProfile{OK: 100, Redirects: 50, ClientError: 20, ServerError: 5})

	assert.Equal(t, 100*time.Second, resolver.Compute(200, "/a", nil))
	assert.Equal(t, 100*time.Second, resolver.Compute(206, "/a", nil))
	assert.Equal(t, 50*time.Second, resolver.Compute(302, "/a", nil))
	assert.Equal(t, 20*time.Second, resolver.Compute(404, "/a", nil))
	assert.Equal(t, 5*time.Second, resolver.Compute(503, "/a", nil))
}

func TestTTLResolverBucketsResolveIndependently(t *testing.T) {
	resolver := NewTTLResolver(origin.TTLProfile{OK: 100, ClientError: 20})

	// origin overrides OK only, client errors still fall through
	o := &origin.Origin{TTL: &origin.TTLProfile{OK: 7}}
	assert.Equal(t, 7*time.Second, resolver.Compute(200, "/a", o))
	assert.Equal(t, 20*time.Second, resolver.Compute(404, "/a", o))
}

func TestTTLResolverFirstMatchingProfileWins(t *testing.T) {
	resolver := NewTTLResolver(origin.TTLProfile{OK: 100},
		WithProfiles([]Profile{
			{Name: "videos", Pattern: `^/videos/`, TTL: origin.TTLProfile{OK: 300}},
			{Name: "mp4", Pattern: `\.mp4$`, TTL: origin.TTLProfile{OK: 600}},
		}),
	)

	assert.Equal(t, 300*time.Second, resolver.Compute(200, "/videos/clip.mp4", nil))
	assert.Equal(t, 600*time.Second, resolver.Compute(200, "/other/clip.mp4", nil))
}

func TestTTLResolverSkipsInvalidPattern(t *testing.T) {
	resolver := NewTTLResolver(origin.TTLProfile{OK: 100},
		WithProfiles([]Profile{
			{Name: "bad", Pattern: `([`, TTL: origin.TTLProfile{OK: 1}},
			{Name: "good", Pattern: `\.ts$`, TTL: origin.TTLProfile{OK: 9}},
		}),
	)

	require.Equal(t, 9*time.Second, resolver.Compute(200, "/seg/001.ts", nil))
}
