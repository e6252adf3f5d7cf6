// Package cache orchestrates the two response cache tiers and computes
// cache lifetimes from the three-level TTL precedence hierarchy.
package cache

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/wolfeidau/media-gateway/origin"
)

// Profile is a content-type/path scoped TTL override, matched by regex
// against the request path.
type Profile struct {
	Name    string            `json:"name"`
	Pattern string            `json:"pattern"`
	TTL     origin.TTLProfile `json:"ttl"`
}

// TTLResolver computes the TTL for a response status using the precedence
// hierarchy: origin override, then first matching profile, then the global
// default.
type TTLResolver struct {
	defaults origin.TTLProfile
	profiles []compiledProfile
	logger   *slog.Logger
}

type compiledProfile struct {
	profile Profile
	re      *regexp.Regexp
}

// TTLOption configures a TTLResolver.
type TTLOption func(*TTLResolver)

// WithTTLLogger sets the logger for the resolver.
func WithTTLLogger(logger *slog.Logger) TTLOption {
	return func(r *TTLResolver) {
		r.logger = logger
	}
}

// WithProfiles installs content-type/path profiles, evaluated in order.
// Profiles with malformed patterns are logged and skipped.
func WithProfiles(profiles []Profile) TTLOption {
	return func(r *TTLResolver) {
		for _, p := range profiles {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				r.logger.Warn("skipping ttl profile with invalid pattern",
					"profile", p.Name,
					"pattern", p.Pattern,
					"error", err,
				)
				continue
			}
			r.profiles = append(r.profiles, compiledProfile{profile: p, re: re})
		}
	}
}

// NewTTLResolver creates a resolver with the given global defaults.
func NewTTLResolver(defaults origin.TTLProfile, opts ...TTLOption) *TTLResolver {
	r := &TTLResolver{
		defaults: defaults,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compute returns the TTL for the given status and path. Each status
// bucket resolves independently: an origin override for one bucket does
// not shadow profile or default values for the others.
func (r *TTLResolver) Compute(status int, path string, o *origin.Origin) time.Duration {
	if o != nil && o.TTL != nil {
		if secs := bucketValue(*o.TTL, status); secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	for _, cp := range r.profiles {
		if !cp.re.MatchString(path) {
			continue
		}
		if secs := bucketValue(cp.profile.TTL, status); secs > 0 {
			return time.Duration(secs) * time.Second
		}
		break
	}

	return time.Duration(bucketValue(r.defaults, status)) * time.Second
}

// bucketValue picks the profile field for a status: 2xx ok, 3xx redirects,
// 4xx clientError, 5xx (and anything else) serverError.
func bucketValue(p origin.TTLProfile, status int) int {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return p.OK
	case status < http.StatusBadRequest:
		return p.Redirects
	case status < http.StatusInternalServerError:
		return p.ClientError
	default:
		return p.ServerError
	}
}
