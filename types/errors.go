package types

import (
	"errors"
	"fmt"
)

var (
	// ErrRetrievalDegraded marks a query-time backend failure. The source is
	// treated as incomplete for that request only.
	ErrRetrievalDegraded = errors.New("retrieval degraded")

	// ErrSpecialistTimeout marks a specialist that missed its time budget.
	ErrSpecialistTimeout = errors.New("specialist timed out")

	// ErrUpstreamUnavailable marks an unreachable reasoning backend.
	ErrUpstreamUnavailable = errors.New("reasoning backend unavailable")

	// ErrReasonerRejected marks a request the reasoning backend refused,
	// such as a bad key or a malformed payload. It is not an outage.
	ErrReasonerRejected = errors.New("reasoning request rejected")

	ErrEmptyMessage = errors.New("message is required")
)

// IndexBuildError is fatal for a source's index until it is reset.
type IndexBuildError struct {
	Source SourceSystem
	Op     string
	Err    error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("build %s index: %s: %v", e.Source, e.Op, e.Err)
}

func (e *IndexBuildError) Unwrap() error { return e.Err }

// ToolInvocationError is a failed remote tool call.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// UpstreamUnavailableError wraps a reasoning backend failure.
type UpstreamUnavailableError struct {
	Provider string
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Provider, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

func (e *UpstreamUnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}
