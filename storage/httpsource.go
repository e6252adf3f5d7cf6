package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/media-gateway/auth"
	"github.com/wolfeidau/media-gateway/origin"
	"github.com/wolfeidau/media-gateway/signcache"
	"github.com/wolfeidau/media-gateway/telemetry"
)

// Background submits a fire-and-forget task that outlives the request.
type Background func(name string, fn func(ctx context.Context))

// HTTPSource fetches from remote and fallback HTTP origins with optional
// header, bearer, or SigV4 authentication.
type HTTPSource struct {
	client     *http.Client
	resolver   *auth.Resolver
	signer     *auth.Signer
	signedURLs *signcache.Cache
	background Background
	threshold  time.Duration
	logger     *slog.Logger
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient sets the HTTP client used for upstream requests.
func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(h *HTTPSource) {
		h.client = client
	}
}

// WithBackground sets the detached task submitter used for signed-URL
// refresh.
func WithBackground(bg Background) HTTPSourceOption {
	return func(h *HTTPSource) {
		h.background = bg
	}
}

// WithRefreshThreshold sets how close to expiry a cached signed URL must
// be before a hit schedules a background refresh.
func WithRefreshThreshold(d time.Duration) HTTPSourceOption {
	return func(h *HTTPSource) {
		h.threshold = d
	}
}

// WithHTTPSourceLogger sets the logger.
func WithHTTPSourceLogger(logger *slog.Logger) HTTPSourceOption {
	return func(h *HTTPSource) {
		h.logger = logger.With("component", "httpsource")
	}
}

// NewHTTPSource creates an HTTP fetcher. The signed-URL cache is only
// consulted for sources using query signing.
func NewHTTPSource(resolver *auth.Resolver, signer *auth.Signer, signedURLs *signcache.Cache, opts ...HTTPSourceOption) *HTTPSource {
	h := &HTTPSource{
		client:     &http.Client{Timeout: 30 * time.Second},
		resolver:   resolver,
		signer:     signer,
		signedURLs: signedURLs,
		threshold:  signcache.DefaultRefreshThreshold,
		logger:     slog.Default().With("component", "httpsource"),
	}
	h.background = func(name string, fn func(ctx context.Context)) {
		go fn(context.Background())
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch issues a GET against the source's base URL plus the resolved key.
// Credential failures surface as *auth.CredentialError so the caller can
// apply its security level.
func (h *HTTPSource) Fetch(ctx context.Context, src origin.Source, key string, req *Request) (*Result, error) {
	rawURL := joinURL(src.BaseURL, key)

	var (
		httpReq *http.Request
		err     error
	)

	if src.AuthEnabled() && src.Auth.Type == origin.AuthAWSQuery {
		signedURL, serr := h.signedURL(ctx, src, key, rawURL)
		if serr != nil {
			return nil, serr
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}
	if err != nil {
		return nil, &SourceFetchError{SourceType: src.Type, Target: rawURL, Err: err}
	}

	if src.AuthEnabled() && src.Auth.Type != origin.AuthAWSQuery {
		if err := h.applyAuth(ctx, src.Auth, httpReq); err != nil {
			return nil, err
		}
	}

	if req != nil {
		if req.IfNoneMatch != "" {
			httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
		}
		if req.IfModifiedSince != "" {
			httpReq.Header.Set("If-Modified-Since", req.IfModifiedSince)
		}
		if req.Range != "" {
			httpReq.Header.Set("Range", req.Range)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, &SourceFetchError{SourceType: src.Type, Target: rawURL, Err: err}
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close() //nolint:errcheck
		return &Result{
			Status: http.StatusNotModified,
			ETag:   resp.Header.Get("ETag"),
			Source: src.Type,
			Target: rawURL,
		}, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()                                    //nolint:errcheck
		return nil, &SourceFetchError{SourceType: src.Type, Target: rawURL, Status: resp.StatusCode}
	}

	result := &Result{
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		ContentRange:  resp.Header.Get("Content-Range"),
		Body:          resp.Body,
		Source:        src.Type,
		Target:        rawURL,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			result.LastModified = t
		}
	}
	return result, nil
}

// applyAuth adds header or signature authentication to the request.
func (h *HTTPSource) applyAuth(ctx context.Context, cfg *origin.AuthConfig, req *http.Request) error {
	switch cfg.Type {
	case origin.AuthHeader:
		headers, err := h.resolver.HeaderValues(ctx, cfg.Headers)
		if err != nil {
			return err
		}
		for name, value := range headers {
			req.Header.Set(name, value)
		}
		return nil

	case origin.AuthBearer:
		if cfg.TokenRef == "" {
			return &auth.CredentialError{Ref: "token", Err: fmt.Errorf("bearer auth requires a token reference")}
		}
		token, err := h.resolver.Resolve(ctx, cfg.TokenRef)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case origin.AuthAWSHeader:
		creds, err := h.resolver.Credentials(ctx, cfg)
		if err != nil {
			return err
		}
		return h.signer.SignHeaders(ctx, req, creds, cfg.Region, cfg.Service)

	default:
		return fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}

// signedURL returns a presigned URL for the source, served from the cache
// when possible. A hit close to expiry schedules a background refresh and
// still returns the cached URL. A miss generates synchronously.
func (h *HTTPSource) signedURL(ctx context.Context, src origin.Source, key, rawURL string) (string, error) {
	cacheKey := signcache.Key{
		SourceType: src.Type,
		Path:       key,
		AuthType:   src.Auth.Type,
		Region:     src.Auth.Region,
		Service:    src.Auth.Service,
	}

	generate := func(gctx context.Context) (*signcache.Entry, error) {
		return h.presign(gctx, src, key, rawURL)
	}

	if entry, ok := h.signedURLs.Get(ctx, cacheKey); ok {
		if h.signedURLs.IsExpiring(entry, h.threshold) {
			telemetry.RecordSignedURL(ctx, "refresh")
			h.background("signedurl-refresh", func(bctx context.Context) {
				h.signedURLs.Refresh(bctx, cacheKey, generate)
			})
		} else {
			telemetry.RecordSignedURL(ctx, "hit")
		}
		return entry.URL, nil
	}

	entry, err := generate(ctx)
	if err != nil {
		return "", err
	}
	telemetry.RecordSignedURL(ctx, "generate")
	if err := h.signedURLs.Put(ctx, cacheKey, entry); err != nil {
		h.logger.Warn("failed to cache signed url", "path", key, "error", err)
	}
	return entry.URL, nil
}

func (h *HTTPSource) presign(ctx context.Context, src origin.Source, key, rawURL string) (*signcache.Entry, error) {
	creds, err := h.resolver.Credentials(ctx, src.Auth)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	expiry := src.Auth.Expiry()
	signed, _, err := h.signer.PresignURL(ctx, req, creds, src.Auth.Region, src.Auth.Service, expiry)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &signcache.Entry{
		URL:         signed,
		OriginalURL: rawURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
		Path:        key,
		SourceType:  src.Type,
		AuthType:    src.Auth.Type,
		Region:      src.Auth.Region,
		Service:     src.Auth.Service,
	}, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
