package storage

import (
	"io"
	"time"

	"github.com/wolfeidau/media-gateway/origin"
)

// Request carries the caller-facing parts of an inbound request that
// sources may honor natively.
type Request struct {
	Path            string
	IfNoneMatch     string
	IfModifiedSince string
	Range           string
	// SubRequest marks a forwarded transformation sub-request, which
	// prefers the object store since it targets already ingested bytes.
	SubRequest bool
}

// Result is a normalized successful fetch from one source.
type Result struct {
	Status        int
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
	ContentRange  string
	Body          io.ReadCloser
	Source        origin.SourceType
	Target        string
}

// Close releases the result body, if any.
func (r *Result) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
