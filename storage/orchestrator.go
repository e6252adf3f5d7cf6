package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/wolfeidau/media-gateway/auth"
	"github.com/wolfeidau/media-gateway/origin"
)

// defaultAttemptTimeout bounds each individual source attempt so slow
// backends surface as a fallback to the next source, not a stalled
// request.
const defaultAttemptTimeout = 30 * time.Second

// Fetcher tries one source for a resolved key.
type Fetcher interface {
	Fetch(ctx context.Context, src origin.Source, key string, req *Request) (*Result, error)
}

// Orchestrator resolves the origin for a request and works through its
// sources in priority order until one succeeds.
type Orchestrator struct {
	matcher  *origin.Matcher
	fetchers map[origin.SourceType]Fetcher
	security SecurityLevel
	timeout  time.Duration
	logger   *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSecurityLevel sets how credential failures are handled.
func WithSecurityLevel(level SecurityLevel) OrchestratorOption {
	return func(o *Orchestrator) {
		o.security = level
	}
}

// WithAttemptTimeout bounds each source attempt.
func WithAttemptTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "storage")
	}
}

// NewOrchestrator creates an orchestrator. The object-store fetcher
// serves objectStore sources; the HTTP fetcher serves remote and
// fallback sources.
func NewOrchestrator(matcher *origin.Matcher, objectStore, httpSource Fetcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		matcher:  matcher,
		fetchers: make(map[origin.SourceType]Fetcher, 3),
		security: SecurityPermissive,
		timeout:  defaultAttemptTimeout,
		logger:   slog.Default().With("component", "storage"),
	}
	if objectStore != nil {
		o.fetchers[origin.SourceObjectStore] = objectStore
	}
	if httpSource != nil {
		o.fetchers[origin.SourceRemoteHTTP] = httpSource
		o.fetchers[origin.SourceFallbackHTTP] = httpSource
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve matches the request path to an origin, falling back to the
// legacy flat pattern list. The second return is false on no match.
func (o *Orchestrator) Resolve(path string) (*origin.Origin, []origin.Source, map[string]string, bool) {
	if match, ok := o.matcher.Match(path); ok {
		return match.Origin, match.Origin.Sources, match.Captures, true
	}
	if pattern, captures, ok := o.matcher.MatchPattern(path); ok {
		return nil, pattern.Sources, captures, true
	}
	return nil, nil, nil, false
}

// Fetch tries each candidate source for the request path in order and
// returns the first success. Any 2xx, 206, or 304 wins. When every source
// fails the error is a *NotFoundError carrying the attempt list; when no
// origin matches at all the error is ErrNoMatch.
func (o *Orchestrator) Fetch(ctx context.Context, req *Request) (*Result, *origin.Origin, error) {
	matched, sources, captures, ok := o.Resolve(req.Path)
	if !ok {
		return nil, nil, ErrNoMatch
	}

	ordered := orderSources(sources, req.SubRequest)
	vars := origin.NewRequestVars(req.Path, "", "")

	attempts := make([]Attempt, 0, len(ordered))

	for _, src := range ordered {
		key, err := origin.ResolvePath(src.PathTemplate, captures, vars)
		if err != nil {
			o.logger.Warn("skipping source with unresolvable path template",
				"source", string(src.Type),
				"template", src.PathTemplate,
				"error", err,
			)
			attempts = append(attempts, Attempt{SourceType: src.Type, Target: src.PathTemplate, Reason: err.Error()})
			continue
		}

		fetcher, ok := o.fetchers[src.Type]
		if !ok {
			attempts = append(attempts, Attempt{SourceType: src.Type, Target: key, Reason: "no fetcher for source type"})
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
		result, err := fetcher.Fetch(attemptCtx, src, key, req)
		if err == nil {
			// the attempt timeout keeps running until the body is closed
			result.Body = bodyWithCancel(result.Body, cancel)
			o.logger.Debug("source fetch succeeded",
				"source", string(src.Type),
				"target", result.Target,
				"status", result.Status,
			)
			return result, matched, nil
		}
		cancel()

		var credErr *auth.CredentialError
		if errors.As(err, &credErr) && o.security == SecurityStrict {
			return nil, nil, err
		}

		attempt := Attempt{SourceType: src.Type, Target: key, Reason: err.Error()}
		var fetchErr *SourceFetchError
		if errors.As(err, &fetchErr) {
			attempt.Target = fetchErr.Target
		}
		attempts = append(attempts, attempt)

		o.logger.Info("source fetch failed, trying next",
			"source", string(src.Type),
			"target", attempt.Target,
			"error", err,
		)
	}

	return nil, nil, &NotFoundError{Path: req.Path, Attempts: attempts}
}

// orderSources sorts sources by ascending priority, declaration order on
// ties. Transformation sub-requests move object-store sources to the
// front since they target already ingested bytes.
func orderSources(sources []origin.Source, subRequest bool) []origin.Source {
	ordered := make([]origin.Source, len(sources))
	copy(ordered, sources)

	sort.SliceStable(ordered, func(i, j int) bool {
		if subRequest {
			iObj := ordered[i].Type == origin.SourceObjectStore
			jObj := ordered[j].Type == origin.SourceObjectStore
			if iObj != jObj {
				return iObj
			}
		}
		return ordered[i].Priority < ordered[j].Priority
	})

	return ordered
}

// bodyWithCancel ties an attempt context's cancel to the body close so
// the timer is released when the caller finishes streaming.
func bodyWithCancel(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if body == nil {
		cancel()
		return nil
	}
	return &cancelBody{ReadCloser: body, cancel: cancel}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
