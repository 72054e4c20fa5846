package domain

import "fmt"

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError indicates an illegal state transition, e.g. cancel on a
// running directive.
type ConflictError struct {
	DirectiveID string
	State       DirectiveState
	Op          string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("cannot %s directive %s in state %s", e.Op, e.DirectiveID, e.State)
}

// HandlerError is a domain handler failure. Retryable failures are rescheduled
// by the runner until attempts are exhausted.
type HandlerError struct {
	Reason    string
	Permanent bool
}

func (e HandlerError) Error() string { return e.Reason }

// SecretLeakageError means a payload or metadata map contained a denylisted
// key. Nothing carrying one is ever persisted.
type SecretLeakageError struct {
	Key string
}

func (e SecretLeakageError) Error() string {
	return fmt.Sprintf("denylisted key %q in payload", e.Key)
}
