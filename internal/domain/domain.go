package domain

// Signal is an immutable, tenant-scoped fact. Rows are appended and never
// updated or deleted by normal operation.
type Signal struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Name       string         `json:"name"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`

	// Seq is the storage rowid, used only for pagination cursors.
	Seq int64 `json:"-"`
}

// DirectiveState is the lifecycle state of a directive.
type DirectiveState string

const (
	StateRequested DirectiveState = "requested"
	StateScheduled DirectiveState = "scheduled"
	StateRunning   DirectiveState = "running"
	StateSucceeded DirectiveState = "succeeded"
	StateFailed    DirectiveState = "failed"
	StateCanceled  DirectiveState = "canceled"
)

// Terminal reports whether s admits no further automatic execution.
func (s DirectiveState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

func (s DirectiveState) Valid() bool {
	switch s {
	case StateRequested, StateScheduled, StateRunning, StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

var directiveTransitions = map[DirectiveState][]DirectiveState{
	StateRequested: {StateRunning, StateCanceled},
	StateScheduled: {StateRunning, StateCanceled},
	StateRunning:   {StateSucceeded, StateFailed, StateScheduled},
	// Terminal states transition only via an explicit rerun, which returns
	// the directive to requested.
	StateSucceeded: {StateRequested},
	StateFailed:    {StateRequested},
	StateCanceled:  {StateRequested},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to DirectiveState) bool {
	for _, next := range directiveTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Directive is a tenant-scoped, stateful request for a side effect, executed
// by the runner.
type Directive struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Name           string         `json:"name"`
	Subject        string         `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	State          DirectiveState `json:"state" enum:"requested,scheduled,running,succeeded,failed,canceled"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	RunAfter       string         `json:"run_after" format:"date-time"`
	RequestedAt    string         `json:"requested_at" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	FinishedAt     *string        `json:"finished_at,omitempty" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`

	// Seq is the storage rowid, used only for pagination cursors.
	Seq int64 `json:"-"`
}

// Lifecycle signal names emitted by the runner and engine.
const (
	SignalDirectiveStarted        = "directive.started"
	SignalDirectiveSucceeded      = "directive.succeeded"
	SignalDirectiveFailed         = "directive.failed"
	SignalDirectiveRetryScheduled = "directive.retry_scheduled"
	SignalDirectiveCanceled       = "directive.canceled"
	SignalDirectiveRerunRequested = "directive.rerun_requested"
)

// APIKey identifies a caller for requested_by attribution.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
