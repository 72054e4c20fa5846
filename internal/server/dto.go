package server

import "signaline/internal/domain"

// Request payloads

type EmitSignalRequest struct {
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DedupeKey  *string        `json:"dedupe_key,omitempty"`
	OccurredAt *string        `json:"occurred_at,omitempty" format:"date-time"`
}

type RequestDirectiveRequest struct {
	Name           string         `json:"name"`
	Subject        *string        `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	RunAfter       *string        `json:"run_after,omitempty" format:"date-time"`
}

// Responses

type SignalResponse struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Name       string         `json:"name"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

func signalResponse(s domain.Signal) SignalResponse {
	return SignalResponse{
		ID:         s.ID,
		Tenant:     s.Tenant,
		Name:       s.Name,
		OccurredAt: s.OccurredAt,
		Subject:    s.Subject,
		Payload:    s.Payload,
		Metadata:   s.Metadata,
		DedupeKey:  s.DedupeKey,
		CreatedAt:  s.CreatedAt,
	}
}

type DirectiveResponse struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Name           string         `json:"name"`
	Subject        string         `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	State          string         `json:"state" enum:"requested,scheduled,running,succeeded,failed,canceled"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	RunAfter       string         `json:"run_after" format:"date-time"`
	RequestedAt    string         `json:"requested_at" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	FinishedAt     *string        `json:"finished_at,omitempty" format:"date-time"`
}

func directiveResponse(d domain.Directive) DirectiveResponse {
	return DirectiveResponse{
		ID:             d.ID,
		Tenant:         d.Tenant,
		Name:           d.Name,
		Subject:        d.Subject,
		Payload:        d.Payload,
		IdempotencyKey: d.IdempotencyKey,
		State:          string(d.State),
		Attempt:        d.Attempt,
		MaxAttempts:    d.MaxAttempts,
		RequestedBy:    d.RequestedBy,
		Result:         d.Result,
		Error:          d.Error,
		RunAfter:       d.RunAfter,
		RequestedAt:    d.RequestedAt,
		StartedAt:      d.StartedAt,
		FinishedAt:     d.FinishedAt,
	}
}

type paginatedSignals struct {
	Items      []SignalResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedDirectives struct {
	Items      []DirectiveResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}
