package mediagateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheTagDeterministic(t *testing.T) {
	a := CacheTag{Path: "/videos/nature/river.mp4", Derivative: "hls", Dimensions: "1280x720"}
	b := CacheTag{Path: "/videos/nature/river.mp4", Derivative: "hls", Dimensions: "1280x720"}
	require.Equal(t, a.String(), b.String())
}

func TestCacheTagVariantsDiffer(t *testing.T) {
	base := CacheTag{Path: "/videos/a.mp4"}
	thumb := CacheTag{Path: "/videos/a.mp4", Derivative: "thumbnail"}
	sized := CacheTag{Path: "/videos/a.mp4", Derivative: "thumbnail", Dimensions: "320x180"}

	require.NotEqual(t, base.String(), thumb.String())
	require.NotEqual(t, thumb.String(), sized.String())
}

func TestCacheTagPathNormalisation(t *testing.T) {
	a := CacheTag{Path: "/videos//nature/river.mp4/"}
	b := CacheTag{Path: "/videos/nature/river.mp4"}
	require.Equal(t, a.String(), b.String())
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"videos/a.mp4", "/videos/a.mp4"},
		{"/videos//a.mp4", "/videos/a.mp4"},
		{"/videos/a.mp4/", "/videos/a.mp4"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizePath(tt.in), "input %q", tt.in)
	}
}

func TestPathTagMatchesZeroVariant(t *testing.T) {
	require.Equal(t, CacheTag{Path: "/v/a.mp4"}.String(), PathTag("/v/a.mp4"))
}
