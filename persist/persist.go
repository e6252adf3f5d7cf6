// Package persist writes fetched response bodies into the persistent
// cache tier without buffering entire payloads: bodies under the buffer
// guard become a single entry, larger bodies are split into fixed size
// chunks as they stream through.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wolfeidau/media-gateway/kv"
)

// ErrTooLarge is returned when a body exceeds the persistence ceiling.
// Already written chunks are removed before returning.
var ErrTooLarge = errors.New("persist: body exceeds size ceiling")

const (
	// DefaultBufferGuard is the largest body stored as a single entry.
	DefaultBufferGuard = 32 << 20
	// DefaultChunkSize is the target chunk payload size for large bodies.
	DefaultChunkSize = 10 << 20
	// DefaultMaxSize is the ceiling past which a body is not persisted.
	DefaultMaxSize = 128 << 20
)

// Writer persists response bodies into a kv.Store.
type Writer struct {
	store       kv.Store
	logger      *slog.Logger
	bufferGuard int64
	chunkSize   int64
	maxSize     int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger.With("component", "persist")
	}
}

// WithBufferGuard overrides the single-entry size guard.
func WithBufferGuard(n int64) Option {
	return func(w *Writer) {
		w.bufferGuard = n
	}
}

// WithChunkSize overrides the chunk payload size.
func WithChunkSize(n int64) Option {
	return func(w *Writer) {
		w.chunkSize = n
	}
}

// WithMaxSize overrides the persistence ceiling.
func WithMaxSize(n int64) Option {
	return func(w *Writer) {
		w.maxSize = n
	}
}

// NewWriter creates a persistence writer over the store.
func NewWriter(store kv.Store, opts ...Option) *Writer {
	w := &Writer{
		store:       store,
		logger:      slog.Default().With("component", "persist"),
		bufferGuard: DefaultBufferGuard,
		chunkSize:   DefaultChunkSize,
		maxSize:     DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BufferGuard returns the single-entry size threshold. Bodies above it
// are written chunked.
func (w *Writer) BufferGuard() int64 {
	return w.bufferGuard
}

// Persist drains body into the store under key. Bodies up to the buffer
// guard are written as one entry; larger bodies stream into numbered
// chunk keys followed by a manifest entry at key, so readers never see a
// manifest for an incomplete set of chunks. Bodies past the ceiling are
// abandoned and any written chunks removed.
func (w *Writer) Persist(ctx context.Context, key string, body io.Reader, meta kv.Metadata, ttl time.Duration) (int64, error) {
	buf := make([]byte, w.bufferGuard+1)
	n, err := io.ReadFull(body, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// whole body fit in the guard buffer
		meta.Size = int64(n)
		if perr := w.store.Put(ctx, kv.NamespaceResponse, key, buf[:n], meta, ttl); perr != nil {
			return 0, fmt.Errorf("persisting entry %s: %w", key, perr)
		}
		return int64(n), nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading body for %s: %w", key, err)
	}

	return w.persistChunked(ctx, key, buf[:n], body, meta, ttl)
}

func (w *Writer) persistChunked(ctx context.Context, key string, head []byte, rest io.Reader, meta kv.Metadata, ttl time.Duration) (int64, error) {
	var (
		chunk     = 0
		processed int64
	)

	writeChunk := func(payload []byte) error {
		processed += int64(len(payload))
		if processed > w.maxSize {
			w.cleanup(ctx, key, chunk)
			return ErrTooLarge
		}
		cm := kv.Metadata{
			ContentType:    meta.ContentType,
			ChunkNumber:    chunk,
			ProcessedBytes: processed,
		}
		if err := w.store.Put(ctx, kv.NamespaceResponse, kv.ChunkKey(key, chunk), payload, cm, ttl); err != nil {
			w.cleanup(ctx, key, chunk)
			return fmt.Errorf("persisting chunk %d of %s: %w", chunk, key, err)
		}
		chunk++
		return nil
	}

	// drain the guard buffer in chunk sized pieces, carrying the
	// remainder into the accumulator for the rest of the stream
	acc := make([]byte, 0, w.chunkSize)
	for int64(len(head)) >= w.chunkSize {
		if err := writeChunk(head[:w.chunkSize]); err != nil {
			return 0, err
		}
		head = head[w.chunkSize:]
	}
	acc = append(acc, head...)

	readBuf := make([]byte, 256<<10)
	for {
		n, err := rest.Read(readBuf)
		if n > 0 {
			acc = append(acc, readBuf[:n]...)
			for int64(len(acc)) >= w.chunkSize {
				if werr := writeChunk(acc[:w.chunkSize]); werr != nil {
					return 0, werr
				}
				acc = append(acc[:0], acc[w.chunkSize:]...)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			w.cleanup(ctx, key, chunk)
			return 0, fmt.Errorf("reading body for %s: %w", key, err)
		}
	}

	if len(acc) > 0 {
		if err := writeChunk(acc); err != nil {
			return 0, err
		}
	}

	meta.Size = processed
	meta.ChunkCount = chunk
	meta.TotalBytes = processed
	if err := w.store.Put(ctx, kv.NamespaceResponse, key, nil, meta, ttl); err != nil {
		w.cleanup(ctx, key, chunk)
		return 0, fmt.Errorf("persisting manifest %s: %w", key, err)
	}

	return processed, nil
}

// Drop removes an entry and any chunks written under it.
func (w *Writer) Drop(ctx context.Context, key string) error {
	entry, err := w.store.Get(ctx, kv.NamespaceResponse, key)
	if err == nil && entry.Meta.ChunkCount > 0 {
		w.cleanup(ctx, key, entry.Meta.ChunkCount)
	}
	return w.store.Delete(ctx, kv.NamespaceResponse, key)
}

// cleanup removes chunks 0..count-1 after a failed or oversized write.
// Deletion failures are logged, the reaper collects leftovers by TTL.
func (w *Writer) cleanup(ctx context.Context, key string, count int) {
	for i := 0; i < count; i++ {
		if err := w.store.Delete(ctx, kv.NamespaceResponse, kv.ChunkKey(key, i)); err != nil {
			w.logger.Warn("failed to remove chunk after aborted persist",
				"key", key,
				"chunk", i,
				"error", err,
			)
		}
	}
}
