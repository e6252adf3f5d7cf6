package mediagateway

import (
	"strings"
)

// CacheTag identifies a group of cached responses for bulk invalidation.
// Tags are derived deterministically from the request path plus the
// transformation parameters that change the served bytes (derivative and
// dimensions), so a purge for one asset hits every variant of it.
type CacheTag struct {
	// Path is the asset path the tag covers.
	Path string
	// Derivative is the transformation derivative (e.g. "thumbnail", "hls").
	// Empty for the untransformed asset.
	Derivative string
	// Dimensions is the requested output size (e.g. "1280x720").
	Dimensions string
}

// String returns the wire form of the tag: a short BLAKE3 digest over the
// normalised tuple. Two requests for the same asset and variant always
// produce the same tag regardless of query parameter order.
func (t CacheTag) String() string {
	var b strings.Builder
	b.WriteString(normalizePath(t.Path))
	b.WriteByte('|')
	b.WriteString(t.Derivative)
	b.WriteByte('|')
	b.WriteString(t.Dimensions)
	return HashBytes([]byte(b.String())).ShortString()
}

// PathTag returns the tag covering every variant of an asset path. Purging
// this tag invalidates all derivatives and dimensions of the asset.
func PathTag(path string) string {
	return CacheTag{Path: path}.String()
}

// normalizePath collapses duplicate slashes and strips any trailing slash so
// /videos//a/ and /videos/a derive the same tag.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(p) + 1)
	if p[0] != '/' {
		b.WriteByte('/')
	}
	var prevSlash bool
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	s := b.String()
	if len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// NormalizePath is the exported form used by cache keys and the signed-URL
// cache so every component keys on the same canonical path.
func NormalizePath(p string) string {
	return normalizePath(p)
}
