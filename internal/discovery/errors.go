package discovery

import (
	"errors"
	"fmt"
	"time"
)

// ErrBackendUnavailable signals that an optional capability (vector index,
// graph extension, embedding provider) is absent. Callers fall back to a
// degraded-but-correct path instead of surfacing it.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ValidationError reports a malformed field before any write occurs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when write admission is denied. It carries the
// observed count and window so an automated caller can decide whether to
// back off or abandon.
type RateLimitError struct {
	AgentID string
	Count   int
	Limit   int
	Window  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for agent %s: %d/%d writes in %s", e.AgentID, e.Count, e.Limit, e.Window)
}

// NotFoundError reports an absent discovery referenced by id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("discovery %s not found", e.ID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
