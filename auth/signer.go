package auth

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// emptyPayloadHash is the SHA-256 of a zero-length body. Gateway fetches
// are always GETs, so the signed payload is empty.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// unsignedPayload marks the payload as unsigned for presigned URLs, since
// the body is not known when the URL is handed out.
const unsignedPayload = "UNSIGNED-PAYLOAD"

// Signer wraps the SigV4 implementation with the gateway's conventions.
// Region and service are passed through verbatim; non-geographic tokens
// such as "auto" are valid.
type Signer struct {
	signer *v4.Signer
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock overrides the signing clock, for tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a Signer.
func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{
		signer: v4.NewSigner(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignHeaders signs the request in place, adding the Authorization header
// and the x-amz-* signature headers. Used when the fronting layer is
// trusted to forward headers to the backend.
func (s *Signer) SignHeaders(ctx context.Context, req *http.Request, creds aws.Credentials, region, service string) error {
	if service == "" {
		service = "s3"
	}
	return s.signer.SignHTTP(ctx, creds, req, emptyPayloadHash, service, region, s.now().UTC())
}

// PresignURL embeds the signature in the request's query string and returns
// the resulting URL, valid for expiry. Used when headers cannot be
// forwarded to the backend.
func (s *Signer) PresignURL(ctx context.Context, req *http.Request, creds aws.Credentials, region, service string, expiry time.Duration) (string, http.Header, error) {
	if service == "" {
		service = "s3"
	}
	if expiry <= 0 {
		expiry = time.Hour
	}

	q := req.URL.Query()
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expiry/time.Second), 10))
	req.URL.RawQuery = q.Encode()

	return s.signer.PresignHTTP(ctx, creds, req, unsignedPayload, service, region, s.now().UTC())
}
