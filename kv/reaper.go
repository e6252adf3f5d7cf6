package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/media-gateway/telemetry"
)

// Reaper periodically removes entries past their expiry. Reads already
// treat expired entries as absent; the reaper just reclaims the space.
type Reaper struct {
	store     *BoltStore
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries removed per sweep.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper over the given store.
// Defaults: interval=5m, batchSize=200.
func NewReaper(store *BoltStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 200,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// ReapNow runs a single sweep immediately. Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reapBatch(ctx)
}

func (r *Reaper) reapBatch(ctx context.Context) {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))
	}()

	expired, err := r.store.Expired(ctx, r.store.now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to list expired entries", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	for _, e := range expired {
		if err := r.store.Delete(ctx, e.Namespace, e.Key); err != nil {
			r.logger.Warn("failed to delete expired entry",
				"namespace", e.Namespace,
				"key", e.Key,
				"error", err)
			continue
		}
		deleted++
	}

	r.logger.Info("expired entries reaped",
		"deleted", deleted,
		"total", len(expired))
}
