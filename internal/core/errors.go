package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAuthorization       = errors.New("not authorized")
	ErrNotFound            = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// Kind names a class of failure a collection or report run can end with.
type Kind string

const (
	KindTransientUpstream  Kind = "TransientUpstream"
	KindAuthorization      Kind = "AuthorizationError"
	KindNotFound           Kind = "NotFound"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindUnknown            Kind = "Unknown"
)

// KindOf classifies err. A nil error has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimitExceeded), errors.Is(err, ErrUpstreamUnavailable):
		return KindTransientUpstream
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	default:
		return KindUnknown
	}
}

// RunError is the single user-facing error a failed run reports.
type RunError struct {
	Kind           Kind
	OrganizationID string
	NetworkID      string
	Start          time.Time
	End            time.Time
	Err            error
}

func NewRunError(err error, orgID, networkID string, start, end time.Time) *RunError {
	var existing *RunError
	if errors.As(err, &existing) {
		return existing
	}
	return &RunError{
		Kind:           KindOf(err),
		OrganizationID: orgID,
		NetworkID:      networkID,
		Start:          start,
		End:            end,
		Err:            err,
	}
}

func (e *RunError) Error() string {
	parts := []string{string(e.Kind)}
	if e.OrganizationID != "" {
		parts = append(parts, "organization="+e.OrganizationID)
	}
	if e.NetworkID != "" {
		parts = append(parts, "network="+e.NetworkID)
	}
	if !e.Start.IsZero() || !e.End.IsZero() {
		parts = append(parts, fmt.Sprintf("range=[%s, %s)",
			e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339)))
	}
	return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
