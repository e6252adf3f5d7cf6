// Package auth produces SigV4-signed request headers and presigned URLs for
// private storage backends, resolving credential references to material at
// call time.
package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/wolfeidau/media-gateway/origin"
)

// CredentialError is returned when a credential reference cannot be
// resolved. Callers running at the permissive security level treat it as a
// skip signal; strict callers treat it as fatal.
type CredentialError struct {
	Ref string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("resolving credential %q: %v", e.Ref, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Resolver maps logical credential names to their values through named
// providers. References use the form "provider:name"; a bare name uses the
// env provider.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver with the built-in env provider plus any
// registered providers.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: map[string]SecretProvider{
			"env": envProvider,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func envProvider(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", ref)
	}
	return val, nil
}

// Resolve looks up a credential reference. An empty reference resolves to
// an empty value without error, so optional refs (session tokens) can be
// left unset.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	provider := "env"
	name := ref
	if p, n, ok := strings.Cut(ref, ":"); ok {
		provider = p
		name = n
	}

	fn, ok := r.providers[provider]
	if !ok {
		return "", &CredentialError{Ref: ref, Err: fmt.Errorf("unknown provider %q", provider)}
	}

	val, err := fn(ctx, name)
	if err != nil {
		return "", &CredentialError{Ref: ref, Err: err}
	}
	return val, nil
}

// Credentials assembles aws.Credentials from an auth configuration's
// credential references. The access key and secret key are required; the
// session token is optional.
func (r *Resolver) Credentials(ctx context.Context, cfg *origin.AuthConfig) (aws.Credentials, error) {
	accessKey, err := r.Resolve(ctx, cfg.AccessKeyRef)
	if err != nil {
		return aws.Credentials{}, err
	}
	if accessKey == "" {
		return aws.Credentials{}, &CredentialError{Ref: cfg.AccessKeyRef, Err: fmt.Errorf("access key reference is empty")}
	}

	secretKey, err := r.Resolve(ctx, cfg.SecretKeyRef)
	if err != nil {
		return aws.Credentials{}, err
	}
	if secretKey == "" {
		return aws.Credentials{}, &CredentialError{Ref: cfg.SecretKeyRef, Err: fmt.Errorf("secret key reference is empty")}
	}

	sessionToken, err := r.Resolve(ctx, cfg.SessionTokenRef)
	if err != nil {
		return aws.Credentials{}, err
	}

	return aws.Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    sessionToken,
		Source:          "media-gateway",
	}, nil
}

// HeaderValues resolves the static header map of an AuthHeader source.
// Values of the form "ref:NAME" are resolved through the resolver; other
// values pass through verbatim.
func (r *Resolver) HeaderValues(ctx context.Context, headers map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if name, ok := strings.CutPrefix(v, "ref:"); ok {
			resolved, err := r.Resolve(ctx, name)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
			continue
		}
		out[k] = v
	}
	return out, nil
}
