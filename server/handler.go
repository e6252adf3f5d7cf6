package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/auth"
	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/kv"
	"github.com/wolfeidau/media-gateway/origin"
	"github.com/wolfeidau/media-gateway/persist"
	"github.com/wolfeidau/media-gateway/storage"
	"github.com/wolfeidau/media-gateway/telemetry"
)

const (
	// subRequestHeader marks requests forwarded by the transformation
	// service back into the gateway. Those target already ingested bytes,
	// so source ordering prefers the object store.
	subRequestHeader = "X-Media-Sub-Request"

	// cacheTagHeader carries the deterministic variant tag used for bulk
	// invalidation at the CDN layer.
	cacheTagHeader = "Cache-Tag"

	// cacheStatusHeader reports which tier served the response.
	cacheStatusHeader = "X-Cache"

	// fastStoreLimit caps bodies copied into the fast tier on the write
	// path. Larger bodies still persist and get promoted on a later hit.
	fastStoreLimit = 8 << 20
)

// transformParams are the query parameters consumed by the transformation
// service. They are stripped before any upstream request so origins see
// clean URLs, and folded into the cache key so variants cache separately.
var transformParams = []string{"derivative", "format", "height", "quality", "width"}

// variant is the transformation selection carried by a request's query
// string.
type variant struct {
	derivative string
	dimensions string
	raw        string
}

// parseVariant extracts the transform parameters from the query in a
// canonical order so equivalent requests produce equal cache keys.
func parseVariant(q url.Values) variant {
	v := variant{derivative: q.Get("derivative")}
	if v.derivative == "" {
		v.derivative = q.Get("quality")
	}

	width, height := q.Get("width"), q.Get("height")
	if width != "" || height != "" {
		v.dimensions = width + "x" + height
	}

	var parts []string
	for _, name := range transformParams {
		if val := q.Get(name); val != "" {
			parts = append(parts, name+"="+val)
		}
	}
	sort.Strings(parts)
	v.raw = strings.Join(parts, "&")

	return v
}

// cacheKey derives the persistent cache key for a path and variant. The
// full digest keeps distinct assets from colliding in the store.
func cacheKey(path string, v variant) string {
	var b strings.Builder
	b.WriteString(mediagateway.NormalizePath(path))
	b.WriteByte('|')
	b.WriteString(v.derivative)
	b.WriteByte('|')
	b.WriteString(v.dimensions)
	return mediagateway.HashBytes([]byte(b.String())).String()
}

// GatewayHandler serves media asset requests: resolve the origin, consult
// both cache tiers, fall through to the storage orchestrator on a miss,
// and persist fetched bodies in the background while streaming them to
// the client.
type GatewayHandler struct {
	cache  *cache.Manager
	store  *storage.Orchestrator
	writer *persist.Writer
	tasks  *TaskRunner
	logger *slog.Logger
}

// NewGatewayHandler creates the media handler.
func NewGatewayHandler(cacheMgr *cache.Manager, store *storage.Orchestrator, writer *persist.Writer, tasks *TaskRunner, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		cache:  cacheMgr,
		store:  store,
		writer: writer,
		tasks:  tasks,
		logger: logger.With("component", "gateway"),
	}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "media")

	path := r.URL.Path
	v := parseVariant(r.URL.Query())
	key := cacheKey(path, v)

	og, _, _, matched := h.store.Resolve(path)
	if !matched {
		// no origin claims this path, pass through untransformed
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
		http.NotFound(w, r)
		return
	}
	if og != nil {
		telemetry.SetOrigin(r, og.Name)
	}

	if !og.IsCacheable() {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
		telemetry.RecordCacheLookup(r.Context(), telemetry.CacheBypass)
		h.fetchAndServe(w, r, key, v, og, false)
		return
	}

	hit, err := h.cache.Lookup(r.Context(), key)
	if err != nil {
		h.logger.Error("cache lookup failed", "key", key, "error", err)
	}
	if hit != nil {
		result := telemetry.CacheHitFast
		if hit.Tier == cache.TierPersistent {
			result = telemetry.CacheHitPersistent
		}
		telemetry.SetCacheResult(r, result)
		telemetry.RecordCacheLookup(r.Context(), result)
		h.serveHit(w, r, key, v, og, hit)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	telemetry.RecordCacheLookup(r.Context(), telemetry.CacheMiss)
	h.fetchAndServe(w, r, key, v, og, true)
}

// serveHit writes a cached response, slicing ranges locally and kicking
// off a background renewal when the entry is deep into its lifetime.
func (h *GatewayHandler) serveHit(w http.ResponseWriter, r *http.Request, key string, v variant, og *origin.Origin, hit *cache.Hit) {
	if h.cache.ShouldRenew(hit) {
		path := r.URL.Path
		h.tasks.Submit(r.Context(), "renew", func(ctx context.Context) {
			h.renew(ctx, key, path, v)
		})
	}

	ttl := h.cache.TTL().Compute(hit.Status, r.URL.Path, og)
	h.setCacheHeaders(w, r.URL.Path, v, ttl)
	w.Header().Set(cacheStatusHeader, "hit-"+hit.Tier)
	if hit.ContentType != "" {
		w.Header().Set("Content-Type", hit.ContentType)
	}

	// ranges are only sliced for bodies held in memory. Chunked entries
	// carry no Bytes, so a Range request streams the whole entry as a 200.
	if rng := r.Header.Get("Range"); rng != "" && hit.Bytes != nil {
		sliced, br, ok, err := cache.Slice(hit.Bytes, rng)
		if errors.Is(err, cache.ErrUnsatisfiableRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(hit.Bytes)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if ok {
			w.Header().Set("Content-Range", br.ContentRange())
			w.Header().Set("Content-Length", strconv.FormatInt(br.Size(), 10))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(sliced)
			return
		}
		// unparseable or oversized, fall through to the full body
	}

	w.Header().Set("Content-Length", strconv.FormatInt(hit.Size, 10))
	w.WriteHeader(hit.Status)

	body := hit.Reader()
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("client went away mid response", "key", key, "error", err)
	}
}

// fetchAndServe goes to the storage orchestrator, streams the result to
// the client, and persists cacheable bodies in the background.
func (h *GatewayHandler) fetchAndServe(w http.ResponseWriter, r *http.Request, key string, v variant, og *origin.Origin, cacheable bool) {
	req := &storage.Request{
		Path:            r.URL.Path,
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
		Range:           r.Header.Get("Range"),
		SubRequest:      r.Header.Get(subRequestHeader) != "",
	}

	result, matched, err := h.store.Fetch(r.Context(), req)
	if err != nil {
		h.writeFetchError(w, r, v, og, err)
		return
	}
	defer result.Close()
	if matched != nil {
		og = matched
	}
	telemetry.SetSource(r, string(result.Source))

	ttl := h.cache.TTL().Compute(result.Status, r.URL.Path, og)
	if !cacheable {
		// downstream caches must not hold what we will not
		ttl = 0
	}
	h.setCacheHeaders(w, r.URL.Path, v, ttl)
	if cacheable {
		w.Header().Set(cacheStatusHeader, "miss")
	} else {
		w.Header().Set(cacheStatusHeader, "bypass")
	}
	if result.ETag != "" {
		w.Header().Set("ETag", result.ETag)
	}
	if !result.LastModified.IsZero() {
		w.Header().Set("Last-Modified", result.LastModified.UTC().Format(http.TimeFormat))
	}

	switch result.Status {
	case http.StatusNotModified:
		w.WriteHeader(http.StatusNotModified)
		return
	case http.StatusPartialContent:
		w.Header().Set("Content-Type", contentTypeOr(result.ContentType))
		w.Header().Set("Content-Range", result.ContentRange)
		if result.ContentLength > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.Copy(w, result.Body)
		return
	}

	w.Header().Set("Content-Type", contentTypeOr(result.ContentType))
	if result.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}
	w.WriteHeader(result.Status)

	persistable := cacheable && ttl > 0 &&
		result.Status == http.StatusOK &&
		req.Range == "" && r.Method == http.MethodGet
	if !persistable {
		if !cacheable && result.Status == http.StatusOK {
			telemetry.RecordPersistSkip(r.Context(), "no_store")
		}
		_, _ = io.Copy(w, result.Body)
		return
	}

	h.streamAndPersist(w, r, key, v, result, ttl)
}

// streamAndPersist fans the upstream body out to the client, the
// persistence writer, and a capped fast tier buffer in a single read
// pass. The persist side runs as a background task with a detached
// context so a client disconnect never aborts the cache write.
func (h *GatewayHandler) streamAndPersist(w http.ResponseWriter, r *http.Request, key string, v variant, result *storage.Result, ttl time.Duration) {
	pr, pw := io.Pipe()
	meta := kv.Metadata{
		Status:          result.Status,
		ContentType:     result.ContentType,
		TransformParams: v.raw,
	}

	h.tasks.Submit(r.Context(), "persist", func(ctx context.Context) {
		size, err := h.writer.Persist(ctx, key, pr, meta, ttl)
		if err != nil {
			pr.CloseWithError(err)
			reason := "error"
			if errors.Is(err, persist.ErrTooLarge) {
				reason = "too_large"
			}
			telemetry.RecordPersistSkip(ctx, reason)
			h.logger.Warn("background persist failed", "key", key, "error", err)
			return
		}
		mode := "single"
		if size > h.writer.BufferGuard() {
			mode = "chunked"
		}
		telemetry.RecordPersistWrite(ctx, mode, size)
	})

	var (
		fastBuf   bytes.Buffer
		fastOK    = true
		clientErr error
		persistOK = true
		total     int64
	)

	buf := make([]byte, 32<<10)
	for {
		n, rerr := result.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if clientErr == nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// keep draining so the cache write still completes
					clientErr = werr
				}
			}
			if persistOK {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					persistOK = false
				}
			}
			if fastOK {
				if total > fastStoreLimit {
					fastOK = false
					fastBuf.Reset()
				} else {
					fastBuf.Write(buf[:n])
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				pw.Close()
			} else {
				pw.CloseWithError(rerr)
				fastOK = false
			}
			break
		}
	}

	if fastOK && fastBuf.Len() > 0 {
		h.cache.StoreFast(key, &cache.Response{
			Status:      result.Status,
			ContentType: result.ContentType,
			Body:        append([]byte(nil), fastBuf.Bytes()...),
			Tag:         mediagateway.CacheTag{Path: r.URL.Path, Derivative: v.derivative, Dimensions: v.dimensions}.String(),
		}, ttl)
	}

	if clientErr != nil {
		h.logger.Debug("client went away mid response", "key", key, "error", clientErr)
	}
}

// renew refetches a hot entry and rewrites it with a fresh TTL so
// frequently requested assets never expire out of the cache.
func (h *GatewayHandler) renew(ctx context.Context, key, path string, v variant) {
	result, og, err := h.store.Fetch(ctx, &storage.Request{Path: path})
	if err != nil {
		h.logger.Warn("cache renewal fetch failed", "path", path, "error", err)
		return
	}
	defer result.Close()

	if result.Status != http.StatusOK {
		return
	}

	ttl := h.cache.TTL().Compute(result.Status, path, og)
	if ttl <= 0 {
		return
	}

	meta := kv.Metadata{
		Status:          result.Status,
		ContentType:     result.ContentType,
		TransformParams: v.raw,
	}
	if _, err := h.writer.Persist(ctx, key, result.Body, meta, ttl); err != nil {
		h.logger.Warn("cache renewal persist failed", "key", key, "error", err)
		return
	}
	h.logger.Debug("renewed cache entry", "key", key, "path", path, "ttl", ttl)
}

// writeFetchError maps orchestrator errors onto client responses. Source
// exhaustion and unmatched paths are not server faults, so they surface
// as 404s rather than 5xx.
func (h *GatewayHandler) writeFetchError(w http.ResponseWriter, r *http.Request, v variant, og *origin.Origin, err error) {
	var notFound *storage.NotFoundError
	switch {
	case errors.Is(err, storage.ErrNoMatch):
		h.writeNegative(w, r, v, og, http.StatusNotFound)
	case errors.As(err, &notFound):
		h.logger.Info("all sources exhausted",
			"path", notFound.Path,
			"attempts", len(notFound.Attempts),
		)
		h.writeNegative(w, r, v, og, http.StatusNotFound)
	default:
		var credErr *auth.CredentialError
		if errors.As(err, &credErr) {
			h.logger.Error("credential resolution failed", "path", r.URL.Path, "error", err)
		} else {
			h.logger.Error("upstream fetch failed", "path", r.URL.Path, "error", err)
		}
		h.writeNegative(w, r, v, og, http.StatusBadGateway)
	}
}

// writeNegative writes an error response carrying the cache control
// surface. The clientError and serverError buckets let downstream caches
// hold negative results, but nothing is persisted locally.
func (h *GatewayHandler) writeNegative(w http.ResponseWriter, r *http.Request, v variant, og *origin.Origin, status int) {
	ttl := h.cache.TTL().Compute(status, r.URL.Path, og)
	h.setCacheHeaders(w, r.URL.Path, v, ttl)
	if status == http.StatusNotFound {
		http.NotFound(w, r)
		return
	}
	http.Error(w, "upstream fetch failed", status)
}

// setCacheHeaders writes the cache control surface shared by hits and
// misses. A non-positive TTL marks the response uncacheable downstream.
func (h *GatewayHandler) setCacheHeaders(w http.ResponseWriter, path string, v variant, ttl time.Duration) {
	if ttl > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Header().Set(cacheTagHeader, mediagateway.CacheTag{
		Path:       path,
		Derivative: v.derivative,
		Dimensions: v.dimensions,
	}.String())
	w.Header().Set("Accept-Ranges", "bytes")
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
