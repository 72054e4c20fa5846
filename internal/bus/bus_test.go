package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"signaline/internal/bus"
	"signaline/internal/config"
	"signaline/internal/db"
	"signaline/internal/domain"
	"signaline/internal/migrate"
	"signaline/internal/repo"
)

func newTestBus(t *testing.T) *bus.Bus {
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
	cfg := config.Default()
	cfg.Fanout.RetryDelay = 0
	return bus.New(repo.Repo{DB: conn}, cfg)
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) handle(_ context.Context, sig domain.Signal) error {
	r.mu.Lock()
	r.names = append(r.names, sig.Name)
	r.mu.Unlock()
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestEmitPersistsAndReturnsSignal(t *testing.T) {
	b := newTestBus(t)
	sig, err := b.Emit(context.Background(), bus.EmitInput{
		Tenant:   "t1",
		Name:     "package.install.completed",
		Payload:  map[string]any{"package": "mattermost"},
		Metadata: map[string]any{"subject": "package:mattermost"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sig.ID == "" || sig.Subject != "package:mattermost" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestEmitDedupeReturnsSameIdentity(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	first, err := b.Emit(ctx, bus.EmitInput{Tenant: "t1", Name: "x", DedupeKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Emit(ctx, bus.EmitInput{
		Tenant:    "t1",
		Name:      "x",
		DedupeKey: "k",
		Payload:   map[string]any{"changed": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("dedupe returned new identity: %s vs %s", second.ID, first.ID)
	}
	if _, ok := second.Payload["changed"]; ok {
		t.Fatal("dedupe must return the existing signal unchanged")
	}
}

func TestEmitValidation(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	if _, err := b.Emit(ctx, bus.EmitInput{Name: "x"}); err == nil {
		t.Fatal("missing tenant accepted")
	}
	if _, err := b.Emit(ctx, bus.EmitInput{Tenant: "t1"}); err == nil {
		t.Fatal("missing name accepted")
	}
	_, err := b.Emit(ctx, bus.EmitInput{
		Tenant:  "t1",
		Name:    "x",
		Payload: map[string]any{"api_token": "hunter2"},
	})
	var se domain.SecretLeakageError
	if !errors.As(err, &se) {
		t.Fatalf("expected SecretLeakageError, got %v", err)
	}
	_, err = b.Emit(ctx, bus.EmitInput{
		Tenant:   "t1",
		Name:     "x",
		Metadata: map[string]any{"authorization": "Bearer x"},
	})
	if !errors.As(err, &se) {
		t.Fatalf("metadata denylist: expected SecretLeakageError, got %v", err)
	}
}

func TestFanoutExactAndPrefixPatterns(t *testing.T) {
	b := newTestBus(t)
	exact := &recorder{}
	prefix := &recorder{}
	other := &recorder{}
	b.Register("package.install.completed", exact.handle)
	b.Register("package.install.*", prefix.handle)
	b.Register("forum.post.created", other.handle)

	if _, err := b.Emit(context.Background(), bus.EmitInput{Tenant: "t1", Name: "package.install.completed"}); err != nil {
		t.Fatal(err)
	}
	b.Drain()

	if got := exact.seen(); len(got) != 1 {
		t.Fatalf("exact handler calls: %v", got)
	}
	if got := prefix.seen(); len(got) != 1 {
		t.Fatalf("prefix handler calls: %v", got)
	}
	if got := other.seen(); len(got) != 0 {
		t.Fatalf("unrelated handler calls: %v", got)
	}
}

func TestFanoutSkippedForDedupedEmit(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	b.Register("x", rec.handle)
	ctx := context.Background()
	if _, err := b.Emit(ctx, bus.EmitInput{Tenant: "t1", Name: "x", DedupeKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Emit(ctx, bus.EmitInput{Tenant: "t1", Name: "x", DedupeKey: "k"}); err != nil {
		t.Fatal(err)
	}
	b.Drain()
	if got := rec.seen(); len(got) != 1 {
		t.Fatalf("deduped emit re-fanned out: %v", got)
	}
}

func TestFanoutIsolatesFailures(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	b.Register("x", func(context.Context, domain.Signal) error {
		panic("handler exploded")
	})
	b.Register("x", func(context.Context, domain.Signal) error {
		return errors.New("transient")
	})
	b.Register("x", rec.handle)

	sig, err := b.Emit(context.Background(), bus.EmitInput{Tenant: "t1", Name: "x"})
	if err != nil {
		t.Fatalf("emit must not fail on handler errors: %v", err)
	}
	b.Drain()
	if got := rec.seen(); len(got) != 1 {
		t.Fatalf("healthy handler starved by failing siblings: %v", got)
	}
	// The persisted signal is untouched by fanout failures.
	stored, err := b.Repo.GetSignal(context.Background(), "t1", sig.ID)
	if err != nil || stored.ID != sig.ID {
		t.Fatalf("signal not durable after handler failures: %v", err)
	}
}
