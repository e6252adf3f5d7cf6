package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // ns|key -> framed envelope

	// Expiry indexes: forward for ordered sweeps, reverse for O(1) delete.
	bucketByExpiry    = []byte("by_expiry")     // timestamp|ns|key -> ns|key
	bucketExpiryByKey = []byte("expiry_by_key") // ns|key -> 8-byte timestamp
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	codec  *envelopeCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNow sets the time function, for tests.
func WithNow(now func() time.Time) BoltOption {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction. Test use only: risks data
// loss on crash.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) a bolt store at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := newEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.codec = codec

	b.logger.Debug("opened kv store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database and releases codec resources.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Get returns the entry at key. Expired entries are treated as absent; the
// reaper removes them physically later.
func (b *BoltStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(entryKey(namespace, key))
		if v == nil {
			return ErrNotFound
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta, payload, err := b.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %s/%s: %w", namespace, key, err)
	}

	if meta.Expired(b.now()) {
		return nil, ErrNotFound
	}

	return &Entry{Value: payload, Meta: meta}, nil
}

// Put upserts an entry and maintains the expiry indexes.
func (b *BoltStore) Put(ctx context.Context, namespace, key string, value []byte, meta Metadata, ttl time.Duration) error {
	now := b.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}
	if meta.Size == 0 {
		meta.Size = int64(len(value))
	}

	framed, err := b.codec.encode(meta, value)
	if err != nil {
		return fmt.Errorf("encoding entry %s/%s: %w", namespace, key, err)
	}

	ek := entryKey(namespace, key)

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := removeExpiryIndex(tx, ek); err != nil {
			return err
		}

		if err := tx.Bucket(bucketEntries).Put(ek, framed); err != nil {
			return fmt.Errorf("writing entry: %w", err)
		}

		if !meta.ExpiresAt.IsZero() {
			ts := encodeTimestamp(meta.ExpiresAt)
			if err := tx.Bucket(bucketByExpiry).Put(expiryIndexKey(ts, ek), ek); err != nil {
				return fmt.Errorf("writing expiry index: %w", err)
			}
			if err := tx.Bucket(bucketExpiryByKey).Put(ek, ts); err != nil {
				return fmt.Errorf("writing reverse expiry index: %w", err)
			}
		}
		return nil
	})
}

// Delete removes an entry and its index rows. Missing keys are not errors.
func (b *BoltStore) Delete(ctx context.Context, namespace, key string) error {
	ek := entryKey(namespace, key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := removeExpiryIndex(tx, ek); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete(ek)
	})
}

// Keys returns keys in the namespace with the given prefix, including
// expired ones (callers filter via Get).
func (b *BoltStore) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	full := entryKey(namespace, prefix)
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, _ := c.Seek(full); k != nil && bytes.HasPrefix(k, full); k, _ = c.Next() {
			_, key, ok := splitEntryKey(k)
			if !ok {
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ExpiredKey identifies an expired entry found by a sweep.
type ExpiredKey struct {
	Namespace string
	Key       string
	ExpiresAt time.Time
}

// Expired returns up to limit entries whose expiry is at or before the
// given time, oldest first.
func (b *BoltStore) Expired(ctx context.Context, before time.Time, limit int) ([]ExpiredKey, error) {
	cutoff := encodeTimestamp(before)
	var out []ExpiredKey
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByExpiry).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			if len(k) < 8 || bytes.Compare(k[:8], cutoff) > 0 {
				break
			}
			ns, key, ok := splitEntryKey(v)
			if !ok {
				continue
			}
			out = append(out, ExpiredKey{Namespace: ns, Key: key, ExpiresAt: decodeTimestamp(k[:8])})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats aggregates entry counts and sizes per namespace.
type Stats struct {
	Entries    int64
	TotalBytes int64
}

// Stats scans the namespace and returns aggregate entry statistics.
func (b *BoltStore) Stats(ctx context.Context, namespace string) (*Stats, error) {
	prefix := entryKey(namespace, "")
	stats := &Stats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			stats.Entries++
			stats.TotalBytes += int64(len(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func removeExpiryIndex(tx *bbolt.Tx, ek []byte) error {
	rev := tx.Bucket(bucketExpiryByKey)
	ts := rev.Get(ek)
	if ts == nil {
		return nil
	}
	if err := tx.Bucket(bucketByExpiry).Delete(expiryIndexKey(ts, ek)); err != nil {
		return fmt.Errorf("deleting expiry index: %w", err)
	}
	if err := rev.Delete(ek); err != nil {
		return fmt.Errorf("deleting reverse expiry index: %w", err)
	}
	return nil
}

// entryKey builds the composite bucket key: namespace, null separator, key.
func entryKey(namespace, key string) []byte {
	out := make([]byte, 0, len(namespace)+1+len(key))
	out = append(out, namespace...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

func splitEntryKey(k []byte) (namespace, key string, ok bool) {
	idx := bytes.IndexByte(k, 0)
	if idx < 0 {
		return "", "", false
	}
	return string(k[:idx]), string(k[idx+1:]), true
}

// expiryIndexKey builds the forward index key: 8-byte timestamp then the
// entry key, giving lexicographic time ordering.
func expiryIndexKey(ts, ek []byte) []byte {
	out := make([]byte, 0, len(ts)+len(ek))
	out = append(out, ts...)
	out = append(out, ek...)
	return out
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so time-based indexes order lexicographically. Offset by MinInt64
// to keep pre-1970 values ordered.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}
