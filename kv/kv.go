// Package kv provides the persistent key/value cache tier: a bbolt-backed
// store with per-key TTL-on-write, entry metadata, and a chunk-key
// convention for oversized payloads.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Namespaces carve the store into independent key spaces.
const (
	// NamespaceResponse holds persisted response bodies.
	NamespaceResponse = "response"
	// NamespaceSignedURL holds signed-URL cache entries.
	NamespaceSignedURL = "signedurl"
)

// Metadata describes a stored entry. Chunked entries carry per-chunk
// progress fields so a partially written upload is detectable.
type Metadata struct {
	// Status is the upstream response status the entry was stored with.
	// Zero is read as 200 for entries written before the field existed.
	Status          int       `json:"status,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Size            int64     `json:"size"`
	TransformParams string    `json:"transform_params,omitempty"`

	// ChunkCount is the number of chunk keys for a chunked entry. Zero for
	// single entries.
	ChunkCount int `json:"chunk_count,omitempty"`
	// ChunkNumber is this chunk's ordinal, set only on chunk keys.
	ChunkNumber int `json:"chunk_number,omitempty"`
	// TotalBytes is the full payload size a chunk belongs to, when known.
	TotalBytes int64 `json:"total_bytes,omitempty"`
	// ProcessedBytes is the running total written up to and including this
	// chunk.
	ProcessedBytes int64 `json:"processed_bytes,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (m Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Age returns how far through its lifetime the entry is, as a fraction in
// [0, 1]. Entries with no expiry report zero.
func (m Metadata) Age(now time.Time) float64 {
	if m.ExpiresAt.IsZero() || m.CreatedAt.IsZero() {
		return 0
	}
	life := m.ExpiresAt.Sub(m.CreatedAt)
	if life <= 0 {
		return 1
	}
	elapsed := now.Sub(m.CreatedAt)
	if elapsed < 0 {
		return 0
	}
	if elapsed > life {
		return 1
	}
	return float64(elapsed) / float64(life)
}

// Entry is a stored value plus its metadata.
type Entry struct {
	Value []byte
	Meta  Metadata
}

// Store is the persistent cache tier contract. Implementations are safe
// for concurrent use; writes are key-based upserts (last write wins).
type Store interface {
	// Get returns the entry at key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, namespace, key string) (*Entry, error)

	// Put upserts an entry. A zero ttl stores without expiry.
	Put(ctx context.Context, namespace, key string, value []byte, meta Metadata, ttl time.Duration) error

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Keys returns keys in the namespace with the given prefix.
	Keys(ctx context.Context, namespace, prefix string) ([]string, error)

	// Close releases store resources.
	Close() error
}

// ChunkKey returns the conventional key for chunk n of an oversized entry.
func ChunkKey(key string, n int) string {
	return fmt.Sprintf("%s_chunk_%d", key, n)
}
