package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"signaline/internal/bus"
	"signaline/internal/config"
	"signaline/internal/db"
	"signaline/internal/domain"
	"signaline/internal/engine"
	"signaline/internal/migrate"
	"signaline/internal/repo"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default())
}

func TestRequestIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	in := engine.RequestInput{
		Tenant:         "t1",
		Name:           "package.install",
		Payload:        map[string]any{"package": "gitlab"},
		IdempotencyKey: "install-gitlab",
	}
	first, created, err := e.Request(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first request not created")
	}
	if first.State != domain.StateRequested || first.Attempt != 0 {
		t.Fatalf("unexpected directive: %+v", first)
	}
	second, created, err := e.Request(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("idempotent replay created a new directive: %+v", second)
	}
}

func TestRequestWithFutureRunAfterIsScheduled(t *testing.T) {
	e := newTestEngine(t)
	d, _, err := e.Request(context.Background(), engine.RequestInput{
		Tenant:   "t1",
		Name:     "report.generate",
		RunAfter: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.State != domain.StateScheduled {
		t.Fatalf("state = %s, want scheduled", d.State)
	}
}

func TestRequestRejectsSecrets(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Request(context.Background(), engine.RequestInput{
		Tenant:  "t1",
		Name:    "package.install",
		Payload: map[string]any{"admin_password": "hunter2"},
	})
	var se domain.SecretLeakageError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecretLeakageError, got %v", err)
	}
}

func TestCancelRequestedDirective(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	d, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	canceled, err := e.Cancel(ctx, "t1", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.State != domain.StateCanceled {
		t.Fatalf("state = %s", canceled.State)
	}
	e.Bus.Drain()

	sigs, err := e.ListSignals(ctx, repo.SignalFilter{Tenant: "t1", Name: domain.SignalDirectiveCanceled})
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("canceled lifecycle signals = %d, want 1", len(sigs))
	}
}

func TestCancelRunningIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	d, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, claimed, err := e.Repo.ClaimDirective(ctx, d.ID, repo.FormatTime(time.Now())); err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	_, err = e.Cancel(ctx, "t1", d.ID)
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.State != domain.StateRunning {
		t.Fatalf("conflict state = %s", ce.State)
	}
}

func TestCancelUnknownDirective(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Cancel(context.Background(), "t1", "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRerunExtendsBudget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	d, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// Drive it to a terminal failure at attempt 1.
	if _, ok, err := e.Repo.ClaimDirective(ctx, d.ID, repo.FormatTime(time.Now())); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, err := e.Repo.MarkDirectiveFailed(ctx, d.ID, "boom", repo.FormatTime(time.Now())); err != nil || !ok {
		t.Fatalf("fail: %v %v", ok, err)
	}

	requeued, err := e.Rerun(ctx, "t1", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.State != domain.StateRequested {
		t.Fatalf("state = %s", requeued.State)
	}
	if requeued.Attempt != 1 {
		t.Fatalf("attempt reset on rerun: %d", requeued.Attempt)
	}
	want := 1 + config.Default().Runner.MaxAttempts
	if requeued.MaxAttempts != want {
		t.Fatalf("max_attempts = %d, want %d", requeued.MaxAttempts, want)
	}
}

func TestRerunNonTerminalIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	d, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Rerun(ctx, "t1", d.ID)
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestStatusCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Request(ctx, engine.RequestInput{Tenant: "t1", Name: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Emit(ctx, bus.EmitInput{Tenant: "t1", Name: "something.happened"}); err != nil {
		t.Fatal(err)
	}
	st, err := e.Status(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	counts := st["directive_counts"].(map[string]int64)
	if counts["requested"] != 2 {
		t.Fatalf("requested count = %d", counts["requested"])
	}
	if st["signal_count"].(int64) != 1 {
		t.Fatalf("signal count = %v", st["signal_count"])
	}
}
