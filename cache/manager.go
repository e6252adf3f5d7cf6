package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/wolfeidau/media-gateway/kv"
)

// Tier names reported on hits.
const (
	TierFast       = "fast"
	TierPersistent = "persistent"
)

// renewFraction is the point in an entry's lifetime past which a fast
// tier hit triggers a background refresh.
const renewFraction = 0.25

// promoteLimit caps the persisted entry size promoted back into the fast
// tier on a persistent hit.
const promoteLimit = 8 << 20

// Hit is a cache lookup result. Small entries carry their body in Bytes;
// chunked entries stream through Body instead.
type Hit struct {
	Status      int
	ContentType string
	Size        int64
	Bytes       []byte
	Body        io.ReadCloser
	Tier        string
	Age         float64
}

// Reader returns a reader over the hit body regardless of how it is held.
func (h *Hit) Reader() io.ReadCloser {
	if h.Body != nil {
		return h.Body
	}
	return io.NopCloser(bytes.NewReader(h.Bytes))
}

// Manager ties the fast and persistent tiers together: lookups fall
// through fast to persistent, persistent hits are promoted, and entries
// deep into their lifetime are flagged for background renewal.
type Manager struct {
	fast   FastTier
	store  kv.Store
	ttl    *TTLResolver
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With("component", "cache")
	}
}

// WithManagerClock sets the clock, used in tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a cache manager over the two tiers.
func NewManager(fast FastTier, store kv.Store, ttl *TTLResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		fast:   fast,
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "cache"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL exposes the manager's TTL resolver.
func (m *Manager) TTL() *TTLResolver {
	return m.ttl
}

// Lookup checks the fast tier, then the persistent tier. Persistent hits
// below the promotion limit are copied back into the fast tier with their
// remaining lifetime. A nil hit with a nil error is a miss.
func (m *Manager) Lookup(ctx context.Context, key string) (*Hit, error) {
	if resp, ok := m.fast.Get(key); ok {
		return &Hit{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Size:        int64(len(resp.Body)),
			Bytes:       resp.Body,
			Tier:        TierFast,
			Age:         resp.Age(m.now()),
		}, nil
	}

	entry, err := m.store.Get(ctx, kv.NamespaceResponse, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status := entry.Meta.Status
	if status == 0 {
		status = 200
	}

	if entry.Meta.ChunkCount > 0 {
		return &Hit{
			Status:      status,
			ContentType: entry.Meta.ContentType,
			Size:        entry.Meta.Size,
			Body:        newChunkReader(ctx, m.store, key, entry.Meta.ChunkCount),
			Tier:        TierPersistent,
			Age:         entry.Meta.Age(m.now()),
		}, nil
	}

	if int64(len(entry.Value)) <= promoteLimit {
		m.fast.Put(key, &Response{
			Status:      status,
			ContentType: entry.Meta.ContentType,
			Body:        entry.Value,
			CreatedAt:   entry.Meta.CreatedAt,
			ExpiresAt:   entry.Meta.ExpiresAt,
		})
	}

	return &Hit{
		Status:      status,
		ContentType: entry.Meta.ContentType,
		Size:        int64(len(entry.Value)),
		Bytes:       entry.Value,
		Tier:        TierPersistent,
		Age:         entry.Meta.Age(m.now()),
	}, nil
}

// StoreFast places a response in the fast tier with the given TTL.
func (m *Manager) StoreFast(key string, resp *Response, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := m.now()
	resp.CreatedAt = now
	resp.ExpiresAt = now.Add(ttl)
	m.fast.Put(key, resp)
}

// Invalidate drops a key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.fast.Delete(key)
	return m.store.Delete(ctx, kv.NamespaceResponse, key)
}

// ShouldRenew reports whether a hit is far enough through its lifetime
// that the caller should refresh it in the background.
func (m *Manager) ShouldRenew(hit *Hit) bool {
	return hit != nil && hit.Age >= renewFraction
}

// Stats returns fast tier occupancy for the stats endpoint.
func (m *Manager) Stats() FastTierStats {
	return m.fast.Stats()
}

// chunkReader streams a chunked persistent entry one chunk at a time.
type chunkReader struct {
	ctx   context.Context
	store kv.Store
	key   string
	count int

	next int
	cur  *bytes.Reader
}

func newChunkReader(ctx context.Context, store kv.Store, key string, count int) *chunkReader {
	return &chunkReader{ctx: ctx, store: store, key: key, count: count}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for r.cur == nil || r.cur.Len() == 0 {
		if r.next >= r.count {
			return 0, io.EOF
		}
		entry, err := r.store.Get(r.ctx, kv.NamespaceResponse, kv.ChunkKey(r.key, r.next))
		if err != nil {
			return 0, err
		}
		r.cur = bytes.NewReader(entry.Value)
		r.next++
	}
	return r.cur.Read(p)
}

func (r *chunkReader) Close() error {
	return nil
}
