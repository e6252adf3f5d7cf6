// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// sourceKey is the context key for propagating the source type to
	// background goroutines.
	sourceKey contextKey = "source"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHitFast       CacheResult = "hit_fast"
	CacheHitPersistent CacheResult = "hit_persistent"
	CacheMiss          CacheResult = "miss"
	CacheBypass        CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Origin      string
	Source      string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache lookup outcome for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetOrigin sets the matched origin name for metrics and logging.
func SetOrigin(r *http.Request, name string) {
	if tags := GetTags(r); tags != nil {
		tags.Origin = name
	}
}

// SetSource sets the source type that served the request.
func SetSource(r *http.Request, source string) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SourceFromContext retrieves the source type from a context.
// It checks both background contexts (set by WithSourceContext) and
// request contexts (set by SetSource via InjectTags).
func SourceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey).(string); ok && s != "" {
		return s
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Source
	}
	return ""
}

// WithSourceContext returns a context with the source type stored.
// Use this to propagate the source into goroutines that outlive the
// request context.
func WithSourceContext(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}
