// Package runner executes directives. A fixed pool of workers polls for due
// directives, claims each with an atomic state-guarded update, runs the
// registered handler under a timeout, and drives the lifecycle state machine:
// requested/scheduled -> running -> succeeded | scheduled (retry) | failed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"signaline/internal/bus"
	"signaline/internal/config"
	"signaline/internal/domain"
	"signaline/internal/repo"
)

// HandlerFunc executes one directive attempt. Handlers must be idempotent
// with respect to attempts: at-least-once delivery means the same attempt's
// side effect can be requested twice after a crash, so handlers should use
// the directive id as their own idempotency token toward external systems.
// Returning a domain.HandlerError with Permanent set skips further retries.
type HandlerFunc func(ctx context.Context, d domain.Directive) (map[string]any, error)

const claimBatch = 16

// maxErrorLen bounds what gets persisted in the error column; collaborators
// surface it directly.
const maxErrorLen = 1000

type Runner struct {
	Repo   repo.Repo
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(r repo.Repo, b *bus.Bus, cfg *config.Config) *Runner {
	return &Runner{
		Repo:     r,
		Bus:      b,
		Config:   cfg,
		Now:      time.Now,
		handlers: make(map[string]HandlerFunc),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Register binds a directive name to its handler. Called once at process
// startup by domain modules.
func (r *Runner) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

func (r *Runner) handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	return fn, ok
}

// Run starts the worker pool and blocks until ctx is done and the workers
// have drained.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.Config.Runner.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (r *Runner) workLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(r.Config.Runner.PollInterval.Std())
	defer ticker.Stop()
	for {
		r.pollOnce(ctx, worker)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce claims and executes up to one batch of due directives.
func (r *Runner) pollOnce(ctx context.Context, worker int) {
	now := repo.FormatTime(r.now())
	ids, err := r.Repo.DueDirectiveIDs(ctx, now, claimBatch)
	if err != nil {
		if ctx.Err() == nil {
			r.logger().Printf("runner worker %d: poll due directives: %v", worker, err)
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.runOne(ctx, worker, id)
	}
}

// runOne claims one directive and executes its handler. The claim is the
// concurrency gate: when several workers race for the same id only one
// update matches the state guard, the rest see claimed=false and move on.
// The same guard makes a stray claim of a terminal directive a no-op.
func (r *Runner) runOne(ctx context.Context, worker int, id string) {
	now := r.now()
	d, claimed, err := r.Repo.ClaimDirective(ctx, id, repo.FormatTime(now))
	if err != nil {
		r.logger().Printf("runner worker %d: claim %s: %v", worker, id, err)
		return
	}
	if !claimed {
		r.logger().Printf("runner worker %d: directive %s already claimed or not runnable, discarding", worker, id)
		return
	}

	r.emitLifecycle(d, domain.SignalDirectiveStarted, nil)

	result, handlerErr := r.execute(ctx, d)
	finished := repo.FormatTime(r.now())

	if handlerErr == nil {
		ok, err := r.Repo.MarkDirectiveSucceeded(ctx, d.ID, result, finished)
		if err != nil {
			r.logger().Printf("runner worker %d: mark %s succeeded: %v", worker, d.ID, err)
			return
		}
		if !ok {
			r.logger().Printf("runner worker %d: directive %s no longer running, success discarded", worker, d.ID)
			return
		}
		d.State = domain.StateSucceeded
		d.Result = result
		r.emitLifecycle(d, domain.SignalDirectiveSucceeded, nil)
		return
	}

	errMsg := sanitizeError(handlerErr)
	var he domain.HandlerError
	permanent := errors.As(handlerErr, &he) && he.Permanent

	if !permanent && d.Attempt < d.MaxAttempts {
		delay := r.nextBackoff(d.Attempt)
		runAfter := repo.FormatTime(r.now().Add(delay))
		ok, err := r.Repo.MarkDirectiveRetry(ctx, d.ID, errMsg, runAfter, finished)
		if err != nil {
			r.logger().Printf("runner worker %d: mark %s for retry: %v", worker, d.ID, err)
			return
		}
		if !ok {
			r.logger().Printf("runner worker %d: directive %s no longer running, retry discarded", worker, d.ID)
			return
		}
		d.State = domain.StateScheduled
		d.Error = errMsg
		r.emitLifecycle(d, domain.SignalDirectiveRetryScheduled, map[string]any{
			"run_after": runAfter,
			"error":     errMsg,
		})
		return
	}

	ok, err := r.Repo.MarkDirectiveFailed(ctx, d.ID, errMsg, finished)
	if err != nil {
		r.logger().Printf("runner worker %d: mark %s failed: %v", worker, d.ID, err)
		return
	}
	if !ok {
		r.logger().Printf("runner worker %d: directive %s no longer running, failure discarded", worker, d.ID)
		return
	}
	d.State = domain.StateFailed
	d.Error = errMsg
	r.emitLifecycle(d, domain.SignalDirectiveFailed, map[string]any{"error": errMsg})
}

// execute runs the handler under the configured per-directive timeout,
// converting panics and missing handlers into handler errors.
func (r *Runner) execute(ctx context.Context, d domain.Directive) (result map[string]any, err error) {
	fn, ok := r.handler(d.Name)
	if !ok {
		return nil, domain.HandlerError{Reason: fmt.Sprintf("no handler registered for %s", d.Name)}
	}
	hctx, cancel := context.WithTimeout(ctx, r.Config.Runner.HandlerTimeout.Std())
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = domain.HandlerError{Reason: fmt.Sprintf("handler panic: %v", rec)}
		}
	}()
	result, err = fn(hctx, d)
	if err == nil && hctx.Err() != nil {
		err = domain.HandlerError{Reason: "handler timed out"}
	}
	return result, err
}

func (r *Runner) nextBackoff(failedAttempt int) time.Duration {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return backoff(r.Config.Runner, failedAttempt, r.rnd)
}

func sanitizeError(err error) string {
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}

// emitLifecycle records the transition as a signal. The dedupe key carries
// the directive id, transition and attempt, so a duplicate delivery of the
// same completion stores exactly one row. Emission uses a background context:
// the audit row must outlive a canceled worker.
func (r *Runner) emitLifecycle(d domain.Directive, name string, extra map[string]any) {
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
	_, err := r.Bus.Emit(context.Background(), bus.EmitInput{
		Tenant:    d.Tenant,
		Name:      name,
		Payload:   p,
		Metadata:  metadata,
		DedupeKey: fmt.Sprintf("%s:%s:%d", d.ID, name, d.Attempt),
	})
	if err != nil {
		r.logger().Printf("emit %s for directive %s: %v", name, d.ID, err)
	}
}
