package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Sentinels are matched with errors.Is at the transport layer;
// everything below wraps them with context.
var (
	// ErrUnauthenticated means the session token is invalid, expired or
	// revoked. Retrying does not help; the user must start a new session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound means no session, conversation or workflow handle matches
	// the given key. Returned directly, never retried.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable means an external capability (classifier,
	// analyzer, research) could not be reached after bounded retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrWorkflowFailed means a workflow body raised an unrecoverable error.
	ErrWorkflowFailed = errors.New("workflow failed")
)

// RoutingError means the classifier produced an unusable or unknown-target
// decision. The turn fails; conversation state is left unchanged.
type RoutingError struct {
	Agent  string
	Reason string
}

func (e *RoutingError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("routing error: unknown agent %q: %s", e.Agent, e.Reason)
	}
	return "routing error: " + e.Reason
}

// IsRoutingError reports whether err is (or wraps) a RoutingError.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}
