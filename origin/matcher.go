package origin

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
)

// Match is the result of resolving a request path to an origin.
type Match struct {
	Origin *Origin
	// Captures holds both positional ("1", "2", ...) and named keys from
	// the origin's capture group names, aligned by position.
	Captures map[string]string
}

// compiledOrigin pairs an origin with its compiled pattern. Origins whose
// patterns fail to compile are dropped at load time.
type compiledOrigin struct {
	origin *Origin
	re     *regexp.Regexp
}

// Matcher evaluates an ordered set of origins against request paths.
// Construction sorts by priority descending once; Match is read-only and
// safe for concurrent use.
type Matcher struct {
	origins  []compiledOrigin
	patterns []compiledPattern
	logger   *slog.Logger
}

type compiledPattern struct {
	pattern *Pattern
	re      *regexp.Regexp
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithLogger sets the logger for the matcher.
func WithLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// WithLegacyPatterns installs a flat pattern list consulted when no named
// origin matches, for configurations that predate origins.
func WithLegacyPatterns(patterns []Pattern) MatcherOption {
	return func(m *Matcher) {
		sorted := make([]Pattern, len(patterns))
		copy(sorted, patterns)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority > sorted[j].Priority
		})
		for i := range sorted {
			re, err := regexp.Compile(sorted[i].Regex)
			if err != nil {
				m.logger.Warn("skipping pattern with invalid regex",
					"pattern", sorted[i].Regex,
					"error", err,
				)
				continue
			}
			m.patterns = append(m.patterns, compiledPattern{pattern: &sorted[i], re: re})
		}
	}
}

// NewMatcher compiles and orders the given origins. A malformed regex in
// one origin is logged and skipped without affecting the others.
func NewMatcher(origins []Origin, opts ...MatcherOption) *Matcher {
	m := &Matcher{logger: slog.Default()}

	sorted := make([]Origin, len(origins))
	copy(sorted, origins)
	// Priority descending, declaration order breaks ties.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	// Apply logger option before compiling so compile warnings use it.
	for _, opt := range opts {
		opt(m)
	}

	for i := range sorted {
		re, err := regexp.Compile(sorted[i].Pattern)
		if err != nil {
			m.logger.Warn("skipping origin with invalid regex",
				"origin", sorted[i].Name,
				"pattern", sorted[i].Pattern,
				"error", err,
			)
			continue
		}
		m.origins = append(m.origins, compiledOrigin{origin: &sorted[i], re: re})
	}

	return m
}

// Match tests each origin's pattern against the path in priority order and
// returns the first match. The second return is false when no origin
// matches, which callers treat as pass-through.
func (m *Matcher) Match(path string) (*Match, bool) {
	for _, co := range m.origins {
		groups := co.re.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		return &Match{
			Origin:   co.origin,
			Captures: extractCaptures(groups, co.origin.CaptureNames),
		}, true
	}
	return nil, false
}

// MatchPattern consults the legacy flat pattern list. Returns the matched
// pattern's sources plus captures, or false when nothing matches.
func (m *Matcher) MatchPattern(path string) (*Pattern, map[string]string, bool) {
	for _, cp := range m.patterns {
		groups := cp.re.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		return cp.pattern, extractCaptures(groups, nil), true
	}
	return nil, nil, false
}

// HasPatterns reports whether a legacy pattern list is configured.
func (m *Matcher) HasPatterns() bool {
	return len(m.patterns) > 0
}

// Origins returns the compiled origins in evaluation order.
func (m *Matcher) Origins() []*Origin {
	out := make([]*Origin, 0, len(m.origins))
	for _, co := range m.origins {
		out = append(out, co.origin)
	}
	return out
}

// extractCaptures assigns positional keys for every submatch and named keys
// from names aligned by position.
func extractCaptures(groups []string, names []string) map[string]string {
	captures := make(map[string]string, 2*(len(groups)-1))
	for i := 1; i < len(groups); i++ {
		captures[strconv.Itoa(i)] = groups[i]
		if i-1 < len(names) && names[i-1] != "" {
			captures[names[i-1]] = groups[i]
		}
	}
	return captures
}
