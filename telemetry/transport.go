package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Auth modes reported on upstream fetch metrics. Signed URL fetches carry
// credentials in the query string, object store fetches in headers.
const (
	AuthPresigned = "presigned"
	AuthHeader    = "header"
	AuthNone      = "none"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch
// metrics, labelled with how the fetch was authorised and whether it was
// a range request.
type InstrumentedTransport struct {
	base   http.RoundTripper
	source string
}

// NewInstrumentedTransport creates a new instrumented transport for a
// source type. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, source string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, source: source}
}

// authMode classifies how an outbound request is authorised.
func authMode(req *http.Request) string {
	if req.URL.Query().Get("X-Amz-Signature") != "" {
		return AuthPresigned
	}
	if req.Header.Get("Authorization") != "" {
		return AuthHeader
	}
	return AuthNone
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fetch := UpstreamFetch{
		Source: t.source,
		Auth:   authMode(req),
		Ranged: req.Header.Get("Range") != "",
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	fetch.Duration = time.Since(start)

	if err != nil {
		fetch.Outcome = "error"
		if req.Context().Err() != nil {
			fetch.Outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), fetch)
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		fetch.Outcome = "5xx"
	case resp.StatusCode >= 400:
		fetch.Outcome = "4xx"
	default:
		fetch.Outcome = "success"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		fetch:      fetch,
		start:      start,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	fetch    UpstreamFetch
	start    time.Time
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.Bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.fetch.Duration = time.Since(b.start)
		RecordUpstreamFetch(b.ctx, b.fetch)
	}
	return b.ReadCloser.Close()
}
