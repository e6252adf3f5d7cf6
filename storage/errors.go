// Package storage fetches media from the candidate sources of a matched
// origin, in priority order, applying signing and falling back on failure.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/media-gateway/origin"
)

// SecurityLevel decides whether missing signing credentials abort a fetch
// or just skip the source.
type SecurityLevel string

const (
	// SecurityStrict treats a credential failure as fatal for the fetch.
	SecurityStrict SecurityLevel = "strict"
	// SecurityPermissive skips sources whose credentials cannot be resolved.
	SecurityPermissive SecurityLevel = "permissive"
)

// ErrNoMatch is returned when no origin or legacy pattern matches the
// request path. Callers treat it as pass-through, not as a failure.
var ErrNoMatch = errors.New("storage: no origin matched")

// SourceFetchError is a single source attempt failure. Always non-fatal,
// the orchestrator logs it and moves to the next source.
type SourceFetchError struct {
	SourceType origin.SourceType
	Target     string
	Status     int
	Err        error
}

func (e *SourceFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source %s %s returned status %d", e.SourceType, e.Target, e.Status)
	}
	return fmt.Sprintf("source %s %s failed: %v", e.SourceType, e.Target, e.Err)
}

func (e *SourceFetchError) Unwrap() error {
	return e.Err
}

// Attempt records one failed source try for NotFoundError diagnostics.
type Attempt struct {
	SourceType origin.SourceType `json:"source_type"`
	Target     string            `json:"target"`
	Reason     string            `json:"reason"`
}

// NotFoundError is returned when every candidate source has been tried
// and none produced the asset.
type NotFoundError struct {
	Path     string
	Attempts []Attempt
}

func (e *NotFoundError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s(%s): %s", a.SourceType, a.Target, a.Reason))
	}
	return fmt.Sprintf("no source has %s after %d attempts: %s",
		e.Path, len(e.Attempts), strings.Join(reasons, "; "))
}
