// Package origin resolves request paths to origin definitions and their
// candidate storage sources.
package origin

import (
	"fmt"
	"time"
)

// SourceType identifies the kind of backend a source points at.
type SourceType string

const (
	// SourceObjectStore is an S3-compatible bucket binding.
	SourceObjectStore SourceType = "objectStore"
	// SourceRemoteHTTP is a remote HTTP(S) origin.
	SourceRemoteHTTP SourceType = "remoteHttp"
	// SourceFallbackHTTP is a last-resort HTTP(S) origin.
	SourceFallbackHTTP SourceType = "fallbackHttp"
)

// AuthType identifies how a source request is authenticated.
type AuthType string

const (
	// AuthHeader sends static custom headers.
	AuthHeader AuthType = "header"
	// AuthBearer sends an Authorization: Bearer token.
	AuthBearer AuthType = "bearer"
	// AuthAWSHeader signs request headers with SigV4.
	AuthAWSHeader AuthType = "awsHeaderSigned"
	// AuthAWSQuery embeds a SigV4 signature in the query string (presigned URL).
	AuthAWSQuery AuthType = "awsQuerySigned"
)

// AuthConfig describes how to authenticate against a source. Credential
// fields are logical names resolved at call time, never secret values.
type AuthConfig struct {
	Enabled         bool     `json:"enabled"`
	Type            AuthType `json:"type"`
	AccessKeyRef    string   `json:"access_key_ref,omitempty"`
	SecretKeyRef    string   `json:"secret_key_ref,omitempty"`
	SessionTokenRef string   `json:"session_token_ref,omitempty"`
	TokenRef        string   `json:"token_ref,omitempty"`
	// Headers holds static headers for AuthHeader sources. Values may be
	// credential references of the form "ref:NAME".
	Headers map[string]string `json:"headers,omitempty"`
	Region  string            `json:"region,omitempty"`
	Service string            `json:"service,omitempty"`
	// ExpirySeconds is the validity window for presigned URLs.
	ExpirySeconds int `json:"expiry_seconds,omitempty"`
}

// Expiry returns the configured presign validity, defaulting to one hour.
func (a *AuthConfig) Expiry() time.Duration {
	if a == nil || a.ExpirySeconds <= 0 {
		return time.Hour
	}
	return time.Duration(a.ExpirySeconds) * time.Second
}

// Source is one concrete backend an origin may be satisfied from.
type Source struct {
	Type         SourceType  `json:"type"`
	Priority     int         `json:"priority"`
	PathTemplate string      `json:"path_template"`
	Auth         *AuthConfig `json:"auth,omitempty"`
	// BaseURL is the upstream base for HTTP sources.
	BaseURL string `json:"base_url,omitempty"`
	// Bucket is the logical bucket binding name for object-store sources,
	// resolved to a concrete bucket at runtime.
	Bucket string `json:"bucket,omitempty"`
}

// AuthEnabled reports whether the source requires authentication.
func (s Source) AuthEnabled() bool {
	return s.Auth != nil && s.Auth.Enabled
}

// TTLProfile holds seconds-to-live per HTTP status bucket.
type TTLProfile struct {
	OK          int `json:"ok"`
	Redirects   int `json:"redirects"`
	ClientError int `json:"client_error"`
	ServerError int `json:"server_error"`
}

// Origin is a named rule mapping a URL path pattern to candidate sources.
// Origins are immutable once loaded.
type Origin struct {
	Name         string      `json:"name"`
	Pattern      string      `json:"pattern"`
	CaptureNames []string    `json:"capture_names,omitempty"`
	Sources      []Source    `json:"sources"`
	TTL          *TTLProfile `json:"ttl,omitempty"`
	Priority     int         `json:"priority"`
	// Cacheable disables both cache tiers for this origin when false.
	Cacheable *bool `json:"cacheable,omitempty"`
}

// IsCacheable reports whether responses for this origin may be cached.
// Unset means cacheable.
func (o *Origin) IsCacheable() bool {
	return o == nil || o.Cacheable == nil || *o.Cacheable
}

// Pattern is a legacy flat matching rule used by configurations that
// predate named origins: a bare regex with a priority and source list.
type Pattern struct {
	Regex    string   `json:"regex"`
	Priority int      `json:"priority"`
	Sources  []Source `json:"sources"`
}

// TemplateError is returned when a path template references a capture that
// is not defined for the matched origin.
type TemplateError struct {
	Template string
	Variable string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("path template %q references undefined variable %q", e.Template, e.Variable)
}
