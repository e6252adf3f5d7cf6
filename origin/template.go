package origin

import (
	"strings"
)

// RequestVars holds the reserved request-level template variables available
// to every source path template.
type RequestVars struct {
	// Path is the full request path.
	Path string
	// Host is the inbound request host.
	Host string
	// Extension is the file extension of the request path, without the dot.
	Extension string
	// Query is the raw query string remaining after transformation
	// parameters are stripped.
	Query string
}

// NewRequestVars derives the reserved variables from a request path, host
// and residual query string.
func NewRequestVars(path, host, query string) RequestVars {
	ext := ""
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 && idx > strings.LastIndexByte(path, '/') {
		ext = path[idx+1:]
	}
	return RequestVars{Path: path, Host: host, Extension: ext, Query: query}
}

// ResolvePath substitutes capture and request variables into a source path
// template. Both `${name}` and `{name}` reference forms are accepted, and a
// reference may carry a default: `${name:-fallback}`. A reference to an
// undefined variable with no default returns a *TemplateError.
func ResolvePath(template string, captures map[string]string, vars RequestVars) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]

		start := -1
		switch {
		case c == '$' && i+1 < len(template) && template[i+1] == '{':
			start = i + 2
		case c == '{':
			start = i + 1
		}
		if start < 0 {
			b.WriteByte(c)
			i++
			continue
		}

		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			// Unterminated brace: treat the rest literally.
			b.WriteString(template[i:])
			break
		}
		ref := template[start : start+end]
		i = start + end + 1

		name, def, hasDefault := strings.Cut(ref, ":-")
		val, ok := lookupVar(name, captures, vars)
		if !ok {
			if !hasDefault {
				return "", &TemplateError{Template: template, Variable: name}
			}
			val = def
		}
		b.WriteString(val)
	}

	return b.String(), nil
}

func lookupVar(name string, captures map[string]string, vars RequestVars) (string, bool) {
	switch name {
	case "path":
		return vars.Path, true
	case "host":
		return vars.Host, true
	case "extension":
		return vars.Extension, true
	case "query":
		return vars.Query, true
	}
	val, ok := captures[name]
	return val, ok
}
