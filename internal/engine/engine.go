package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"signaline/internal/bus"
	"signaline/internal/config"
	"signaline/internal/domain"
	"signaline/internal/payload"
	"signaline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Bus:    bus.New(r, cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Emit records a signal through the bus.
func (e Engine) Emit(ctx context.Context, in bus.EmitInput) (domain.Signal, error) {
	return e.Bus.Emit(ctx, in)
}

// RequestInput are parameters for requesting a directive.
type RequestInput struct {
	Tenant         string
	Name           string
	Subject        string
	Payload        map[string]any
	IdempotencyKey string
	RunAfter       time.Time
	RequestedBy    string
}

// Request creates a directive, or returns the existing one when the
// idempotency key has been seen before. A run_after in the future creates it
// already scheduled; the runner skips it until due.
func (e Engine) Request(ctx context.Context, in RequestInput) (domain.Directive, bool, error) {
	if strings.TrimSpace(in.Tenant) == "" {
		return domain.Directive{}, false, domain.ValidationError{Field: "tenant", Reason: "required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Directive{}, false, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if err := payload.Check("payload", in.Payload, e.Config.Secrets.Denylist); err != nil {
		return domain.Directive{}, false, err
	}
	now := e.now()
	state := domain.StateRequested
	runAfter := now
	if in.RunAfter.After(now) {
		state = domain.StateScheduled
		runAfter = in.RunAfter
	}
	d := domain.Directive{
		ID:             uuid.NewString(),
		Tenant:         in.Tenant,
		Name:           in.Name,
		Subject:        in.Subject,
		Payload:        in.Payload,
		IdempotencyKey: in.IdempotencyKey,
		State:          state,
		Attempt:        0,
		MaxAttempts:    e.Config.MaxAttemptsFor(in.Name),
		RequestedBy:    in.RequestedBy,
		RunAfter:       repo.FormatTime(runAfter),
		RequestedAt:    repo.FormatTime(now),
		UpdatedAt:      repo.FormatTime(now),
	}
	stored, created, err := e.Repo.InsertDirective(ctx, d)
	if err != nil {
		return domain.Directive{}, false, fmt.Errorf("request %s: %w", in.Name, err)
	}
	return stored, created, nil
}

// Cancel stops a directive before it is claimed. Only requested and scheduled
// directives can be canceled; anything else is a conflict.
func (e Engine) Cancel(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	ok, err := e.Repo.CancelDirective(ctx, tenant, id, repo.FormatTime(e.now()))
	if err != nil {
		return domain.Directive{}, err
	}
	if !ok {
		// Re-read for the state the conflict is about; the first read may
		// have raced the runner.
		if cur, rerr := e.Repo.GetDirective(ctx, tenant, id); rerr == nil {
			d = cur
		}
		return domain.Directive{}, domain.ConflictError{DirectiveID: id, State: d.State, Op: "cancel"}
	}
	canceled, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	e.emitLifecycle(ctx, canceled, domain.SignalDirectiveCanceled, map[string]any{
		"canceled_from": string(d.State),
	})
	return canceled, nil
}

// Rerun re-queues a terminal directive. It is an explicit request, never a
// silent retry: the attempt counter carries on from where it stopped and the
// attempt budget is extended relative to it.
func (e Engine) Rerun(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if !d.State.Terminal() {
		return domain.Directive{}, domain.ConflictError{DirectiveID: id, State: d.State, Op: "rerun"}
	}
	maxAttempts := d.Attempt + e.Config.MaxAttemptsFor(d.Name)
	ok, err := e.Repo.RerunDirective(ctx, tenant, id, maxAttempts, repo.FormatTime(e.now()))
	if err != nil {
		return domain.Directive{}, err
	}
	if !ok {
		return domain.Directive{}, domain.ConflictError{DirectiveID: id, State: d.State, Op: "rerun"}
	}
	requeued, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return domain.Directive{}, err
	}
	e.emitLifecycle(ctx, requeued, domain.SignalDirectiveRerunRequested, map[string]any{
		"previous_state": string(d.State),
		"attempt":        d.Attempt,
		"max_attempts":   maxAttempts,
	})
	return requeued, nil
}

// GetSignal returns one signal for a tenant.
func (e Engine) GetSignal(ctx context.Context, tenant, id string) (domain.Signal, error) {
	return e.Repo.GetSignal(ctx, tenant, id)
}

// GetDirective returns one directive for a tenant.
func (e Engine) GetDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	return e.Repo.GetDirective(ctx, tenant, id)
}

// ListSignals returns a tenant's audit trail of signals.
func (e Engine) ListSignals(ctx context.Context, f repo.SignalFilter) ([]domain.Signal, error) {
	return e.Repo.ListSignals(ctx, f)
}

// ListDirectives returns a tenant's directives.
func (e Engine) ListDirectives(ctx context.Context, f repo.DirectiveFilter) ([]domain.Directive, error) {
	return e.Repo.ListDirectives(ctx, f)
}

// Status summarizes a tenant: directive counts by state and total signals.
func (e Engine) Status(ctx context.Context, tenant string) (map[string]any, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, domain.ValidationError{Field: "tenant", Reason: "required"}
	}
	counts, err := e.Repo.CountDirectivesByState(ctx, tenant)
	if err != nil {
		return nil, err
	}
	signals, err := e.Repo.CountSignals(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tenant":           tenant,
		"directive_counts": counts,
		"signal_count":     signals,
	}, nil
}

// emitLifecycle records a lifecycle signal. The dedupe key ties the signal to
// the directive and transition so a duplicate delivery of the same completion
// stores nothing new. Emission failures are logged by the bus and must not
// fail the operation that triggered them.
func (e Engine) emitLifecycle(ctx context.Context, d domain.Directive, name string, extra map[string]any) {
	p := map[string]any{
		"directive_id": d.ID,
		"name":         d.Name,
		"state":        string(d.State),
		"attempt":      d.Attempt,
	}
	for k, v := range extra {
		p[k] = v
	}
	metadata := map[string]any{"causation_id": d.ID}
	if d.Subject != "" {
		metadata["subject"] = d.Subject
	}
	_, err := e.Bus.Emit(ctx, bus.EmitInput{
		Tenant:    d.Tenant,
		Name:      name,
		Payload:   p,
		Metadata:  metadata,
		DedupeKey: d.ID + ":" + name + ":" + fmt.Sprint(d.Attempt),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Logged, not returned: lifecycle signals are audit, not control flow.
		log.Printf("emit %s for directive %s: %v", name, d.ID, err)
	}
}
