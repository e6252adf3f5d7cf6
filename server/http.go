// Package server provides the HTTP server for the media gateway.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/media-gateway/auth"
	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/kv"
	"github.com/wolfeidau/media-gateway/origin"
	"github.com/wolfeidau/media-gateway/persist"
	"github.com/wolfeidau/media-gateway/signcache"
	"github.com/wolfeidau/media-gateway/storage"
	"github.com/wolfeidau/media-gateway/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StorePath is the bbolt database path for the persistent cache tier.
	StorePath string

	// Origins are the path matching rules, highest priority first after
	// load. At least one origin or legacy pattern is required to serve
	// anything.
	Origins []origin.Origin

	// LegacyPatterns is the flat pattern list consulted when no origin
	// matches, kept for configurations that predate named origins.
	LegacyPatterns []origin.Pattern

	// Profiles are the path-pattern TTL overrides, checked in order.
	Profiles []cache.Profile

	// DefaultTTL is the fallback TTL profile when neither the origin nor
	// a profile provides one.
	DefaultTTL origin.TTLProfile

	// FastTierBytes is the in-memory cache capacity. Zero disables the
	// fast tier sizing default of 256 MiB.
	FastTierBytes int64

	// Buckets maps logical object-store binding names to bucket names.
	Buckets map[string]string

	// S3Client is the object-store client. Nil disables object-store
	// sources.
	S3Client storage.S3API

	// SecurityLevel controls whether missing credentials abort a fetch
	// ("strict") or skip to the next source ("permissive").
	SecurityLevel storage.SecurityLevel

	// AuthToken enables Bearer authentication on the media routes when
	// set. /health and /metrics stay open for probes and scrapers.
	AuthToken string

	// ReaperInterval is how often expired persistent entries are swept.
	// Default is 5 minutes.
	ReaperInterval time.Duration

	// TaskTimeout bounds background persistence and renewal tasks.
	TaskTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store     *kv.BoltStore
	fastTier  cache.FastTier
	cache     *cache.Manager
	writer    *persist.Writer
	fetcher   *storage.Orchestrator
	gateway   *GatewayHandler
	tasks     *TaskRunner
	reaper    *kv.Reaper
	reaperCtx context.CancelFunc
}

const defaultFastTierBytes = 256 << 20

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "./media-gateway.db"
	}
	if cfg.FastTierBytes <= 0 {
		cfg.FastTierBytes = defaultFastTierBytes
	}

	store, err := kv.OpenBolt(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}

	reaperOpts := []kv.ReaperOption{
		kv.WithReaperLogger(cfg.Logger),
	}
	if cfg.ReaperInterval > 0 {
		reaperOpts = append(reaperOpts, kv.WithReaperInterval(cfg.ReaperInterval))
	}
	reaper := kv.NewReaper(store, reaperOpts...)

	ttl := cache.NewTTLResolver(cfg.DefaultTTL,
		cache.WithProfiles(cfg.Profiles),
		cache.WithTTLLogger(cfg.Logger),
	)

	fastTier := cache.NewS3FIFO(cfg.FastTierBytes)
	cacheMgr := cache.NewManager(fastTier, store, ttl,
		cache.WithManagerLogger(cfg.Logger),
	)

	writer := persist.NewWriter(store, persist.WithLogger(cfg.Logger))

	taskOpts := []TaskRunnerOption{WithTaskLogger(cfg.Logger)}
	if cfg.TaskTimeout > 0 {
		taskOpts = append(taskOpts, WithTaskTimeout(cfg.TaskTimeout))
	}
	tasks := NewTaskRunner(taskOpts...)

	matcher := origin.NewMatcher(cfg.Origins,
		origin.WithLogger(cfg.Logger),
		origin.WithLegacyPatterns(cfg.LegacyPatterns),
	)

	resolver := auth.NewResolver(auth.WithLogger(cfg.Logger))
	signer := auth.NewSigner()
	signedURLs := signcache.New(store, signcache.WithLogger(cfg.Logger))

	httpSource := storage.NewHTTPSource(resolver, signer, signedURLs,
		storage.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, "http"),
		}),
		storage.WithBackground(func(name string, fn func(ctx context.Context)) {
			tasks.Submit(context.Background(), name, fn)
		}),
		storage.WithHTTPSourceLogger(cfg.Logger),
	)

	var objectStore storage.Fetcher
	if cfg.S3Client != nil {
		objectStore = storage.NewObjectStoreSource(cfg.S3Client, cfg.Buckets, cfg.Logger)
	}

	fetcher := storage.NewOrchestrator(matcher, objectStore, httpSource,
		storage.WithSecurityLevel(cfg.SecurityLevel),
		storage.WithOrchestratorLogger(cfg.Logger),
	)

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		store:    store,
		fastTier: fastTier,
		cache:    cacheMgr,
		writer:   writer,
		fetcher:  fetcher,
		tasks:    tasks,
		reaper:   reaper,
	}
	s.gateway = NewGatewayHandler(cacheMgr, fetcher, writer, tasks, cfg.Logger)

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large video bodies
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Everything else is a media asset path
	mux.Handle("GET /{asset...}", s.gateway)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports occupancy of both cache tiers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	persistent, err := s.store.Stats(r.Context(), kv.NamespaceResponse)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	signed, err := s.store.Stats(r.Context(), kv.NamespaceSignedURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	fast := s.cache.Stats()
	telemetry.UpdateFastTierState(r.Context(), fast.Entries, fast.Bytes, fast.Ghosts)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"fast_tier": fast,
		"persistent_tier": map[string]int64{
			"entries": persistent.Entries,
			"bytes":   persistent.TotalBytes,
		},
		"signed_urls": map[string]int64{
			"entries": signed.Entries,
			"bytes":   signed.TotalBytes,
		},
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, origin, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Origin != "" {
			attrs = append(attrs, "origin", tags.Origin)
		}
		if tags.Source != "" {
			attrs = append(attrs, "source", tags.Source)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the expiry reaper.
func (s *Server) Start() error {
	reaperCtx, cancel := context.WithCancel(context.Background())
	s.reaperCtx = cancel
	go s.reaper.Run(reaperCtx)

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server: stop accepting requests,
// wait for background persistence to finish, then close the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.reaperCtx != nil {
		s.reaperCtx()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	if err := s.tasks.Wait(ctx); err != nil {
		s.logger.Warn("background tasks did not finish before shutdown", "error", err)
	}

	return s.store.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
