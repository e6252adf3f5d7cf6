// Package signcache caches presigned URLs so the signing work happens once
// per (source, path, auth shape) tuple instead of once per request.
package signcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/kv"
	"github.com/wolfeidau/media-gateway/origin"
)

// DefaultRefreshThreshold is how close to expiry an entry may get before a
// hit schedules a background regeneration.
const DefaultRefreshThreshold = 600 * time.Second

// storedTTLFraction keeps the cache's own TTL inside the signature's
// validity window so the cache can never outlive the signature.
const storedTTLFraction = 0.9

// Key identifies a signed URL by everything that changes the signature.
type Key struct {
	SourceType origin.SourceType
	Path       string
	AuthType   origin.AuthType
	Region     string
	Service    string
}

// String returns the storage key: a digest over the normalised tuple.
func (k Key) String() string {
	s := fmt.Sprintf("%s|%s|%s|%s|%s",
		k.SourceType, mediagateway.NormalizePath(k.Path), k.AuthType, k.Region, k.Service)
	return mediagateway.HashBytes([]byte(s)).String()
}

// Entry is a cached signed URL with its expiry metadata.
type Entry struct {
	URL         string            `json:"url"`
	OriginalURL string            `json:"original_url"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Path        string            `json:"path"`
	SourceType  origin.SourceType `json:"source_type"`
	AuthType    origin.AuthType   `json:"auth_type"`
	Region      string            `json:"region,omitempty"`
	Service     string            `json:"service,omitempty"`
}

// Generator produces a fresh signed URL entry. Invoked synchronously on a
// miss and in the background on a near-expiry hit.
type Generator func(ctx context.Context) (*Entry, error)

// Cache is the signed-URL cache: a persistent kv namespace fronted by an
// in-process hot map. The hot map is safe for concurrent use within one
// instance; cross-instance consistency is last-write-wins on the store.
type Cache struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	hot map[string]*Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a signed-URL cache over the given store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		hot:    make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for key, or false on a miss. An entry past
// its expiry is treated as absent and dropped from the hot layer.
func (c *Cache) Get(ctx context.Context, key Key) (*Entry, bool) {
	sk := key.String()
	now := c.now()

	c.mu.RLock()
	entry, ok := c.hot[sk]
	c.mu.RUnlock()

	if ok {
		if now.Before(entry.ExpiresAt) {
			return entry, true
		}
		c.mu.Lock()
		delete(c.hot, sk)
		c.mu.Unlock()
		return nil, false
	}

	stored, err := c.store.Get(ctx, kv.NamespaceSignedURL, sk)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("signed url cache read failed", "key", sk, "error", err)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(stored.Value, &e); err != nil {
		c.logger.Warn("dropping undecodable signed url entry", "key", sk, "error", err)
		_ = c.store.Delete(ctx, kv.NamespaceSignedURL, sk)
		return nil, false
	}

	if !now.Before(e.ExpiresAt) {
		return nil, false
	}

	c.mu.Lock()
	c.hot[sk] = &e
	c.mu.Unlock()

	return &e, true
}

// Put stores an entry. The persisted TTL is 90% of the remaining signature
// validity, a safety margin so the cache never serves past expiry.
func (c *Cache) Put(ctx context.Context, key Key, entry *Entry) error {
	sk := key.String()
	now := c.now()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	remaining := entry.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return fmt.Errorf("refusing to cache already-expired signed url for %s", entry.Path)
	}
	ttl := time.Duration(float64(remaining) * storedTTLFraction)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding signed url entry: %w", err)
	}

	if err := c.store.Put(ctx, kv.NamespaceSignedURL, sk, data, kv.Metadata{}, ttl); err != nil {
		return fmt.Errorf("storing signed url entry: %w", err)
	}

	c.mu.Lock()
	c.hot[sk] = entry
	c.mu.Unlock()

	return nil
}

// IsExpiring reports whether the entry is within threshold of its expiry.
func (c *Cache) IsExpiring(entry *Entry, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return c.now().Add(threshold).After(entry.ExpiresAt)
}

// Refresh regenerates and stores the entry for key. It is designed to run
// as a detached background task: concurrent refreshes for the same key are
// tolerated (last write wins) and failures are logged, never surfaced.
func (c *Cache) Refresh(ctx context.Context, key Key, generate Generator) {
	entry, err := generate(ctx)
	if err != nil {
		c.logger.Warn("signed url refresh failed",
			"path", key.Path,
			"source_type", string(key.SourceType),
			"error", err)
		return
	}

	if err := c.Put(ctx, key, entry); err != nil {
		c.logger.Warn("signed url refresh store failed", "path", key.Path, "error", err)
		return
	}

	c.logger.Debug("signed url refreshed",
		"path", key.Path,
		"expires_at", entry.ExpiresAt)
}
