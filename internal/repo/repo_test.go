package repo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"signaline/internal/db"
	"signaline/internal/domain"
	"signaline/internal/migrate"
	"signaline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
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
	return repo.Repo{DB: conn}
}

func testSignal(tenant, name, dedupeKey string) domain.Signal {
	now := repo.FormatTime(time.Now())
	return domain.Signal{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		Name:       name,
		OccurredAt: now,
		Payload:    map[string]any{"n": 1},
		Metadata:   map[string]any{},
		DedupeKey:  dedupeKey,
		CreatedAt:  now,
	}
}

func testDirective(tenant, name, key string) domain.Directive {
	now := repo.FormatTime(time.Now())
	return domain.Directive{
		ID:             uuid.NewString(),
		Tenant:         tenant,
		Name:           name,
		Payload:        map[string]any{"package": "mattermost"},
		IdempotencyKey: key,
		State:          domain.StateRequested,
		MaxAttempts:    3,
		RunAfter:       now,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
}

func TestSignalDedupeConcurrent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := r.InsertSignal(ctx, testSignal("t1", "package.install.requested", "pkg:t1:mattermost:1.0"))
			if err != nil {
				t.Errorf("insert %d: %v", i, err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("dedupe returned different identities: %s vs %s", ids[i], ids[0])
		}
	}
	list, err := r.ListSignals(ctx, repo.SignalFilter{Tenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("want exactly one stored signal, got %d", len(list))
	}
}

func TestSignalDedupeScopedToTenant(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, createdA, err := r.InsertSignal(ctx, testSignal("t1", "x", "k"))
	if err != nil || !createdA {
		t.Fatalf("first insert: %v created=%v", err, createdA)
	}
	b, createdB, err := r.InsertSignal(ctx, testSignal("t2", "x", "k"))
	if err != nil || !createdB {
		t.Fatalf("other tenant insert: %v created=%v", err, createdB)
	}
	if a.ID == b.ID {
		t.Fatal("dedupe leaked across tenants")
	}
}

func TestSignalWithoutDedupeKeyAlwaysAppends(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, created, err := r.InsertSignal(ctx, testSignal("t1", "x", "")); err != nil || !created {
			t.Fatalf("insert %d: %v created=%v", i, err, created)
		}
	}
	list, err := r.ListSignals(ctx, repo.SignalFilter{Tenant: "t1"})
	if err != nil || len(list) != 3 {
		t.Fatalf("want 3 signals, got %d (%v)", len(list), err)
	}
}

func TestDirectiveIdempotentInsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first, created, err := r.InsertDirective(ctx, testDirective("t1", "package.install", "install:t1:mattermost:1.0"))
	if err != nil || !created {
		t.Fatalf("first insert: %v created=%v", err, created)
	}
	second, created, err := r.InsertDirective(ctx, testDirective("t1", "package.install", "install:t1:mattermost:1.0"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert should return existing directive")
	}
	if second.ID != first.ID || second.Attempt != first.Attempt {
		t.Fatalf("idempotent request changed the directive: %+v vs %+v", second, first)
	}
	// Same key under a different name is a new directive.
	_, created, err = r.InsertDirective(ctx, testDirective("t1", "package.remove", "install:t1:mattermost:1.0"))
	if err != nil || !created {
		t.Fatalf("different name insert: %v created=%v", err, created)
	}
}

func TestClaimRace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	now := repo.FormatTime(time.Now())
	const workers = 8
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := r.ClaimDirective(ctx, d.ID, now)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("want exactly one winning claim, got %d", wins)
	}
	got, err := r.GetDirective(ctx, "t1", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateRunning || got.Attempt != 1 {
		t.Fatalf("claimed directive: state=%s attempt=%d", got.State, got.Attempt)
	}
}

func TestClaimSkipsNotDue(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d := testDirective("t1", "package.install", "")
	d.State = domain.StateScheduled
	d.RunAfter = repo.FormatTime(time.Now().Add(time.Hour))
	stored, _, err := r.InsertDirective(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	now := repo.FormatTime(time.Now())
	ids, err := r.DueDirectiveIDs(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("future directive listed as due: %v", ids)
	}
	if _, claimed, _ := r.ClaimDirective(ctx, stored.ID, now); claimed {
		t.Fatal("claimed a directive that is not due")
	}
}

func TestClaimOnTerminalIsNoop(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	now := repo.FormatTime(time.Now())
	if _, claimed, _ := r.ClaimDirective(ctx, d.ID, now); !claimed {
		t.Fatal("initial claim failed")
	}
	if ok, err := r.MarkDirectiveSucceeded(ctx, d.ID, map[string]any{"ok": true}, now); err != nil || !ok {
		t.Fatalf("mark succeeded: %v ok=%v", err, ok)
	}
	if _, claimed, _ := r.ClaimDirective(ctx, d.ID, now); claimed {
		t.Fatal("terminal directive was claimed again")
	}
	got, err := r.GetDirective(ctx, "t1", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateSucceeded || got.Attempt != 1 {
		t.Fatalf("terminal directive mutated: state=%s attempt=%d", got.State, got.Attempt)
	}
}

func TestAttemptMonotonicAcrossRetries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	past := repo.FormatTime(time.Now().Add(-time.Second))
	for want := 1; want <= 3; want++ {
		claimed, ok, err := r.ClaimDirective(ctx, d.ID, repo.FormatTime(time.Now()))
		if err != nil || !ok {
			t.Fatalf("claim %d: %v ok=%v", want, err, ok)
		}
		if claimed.Attempt != want {
			t.Fatalf("attempt after claim %d: got %d", want, claimed.Attempt)
		}
		if want < 3 {
			if ok, err := r.MarkDirectiveRetry(ctx, d.ID, "boom", past, past); err != nil || !ok {
				t.Fatalf("retry %d: %v ok=%v", want, err, ok)
			}
		}
	}
}

func TestCancelOnlyBeforeClaim(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	now := repo.FormatTime(time.Now())
	if _, claimed, _ := r.ClaimDirective(ctx, d.ID, now); !claimed {
		t.Fatal("claim failed")
	}
	if ok, err := r.CancelDirective(ctx, "t1", d.ID, now); err != nil || ok {
		t.Fatalf("cancel of running directive should match no rows: %v ok=%v", err, ok)
	}
	other, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := r.CancelDirective(ctx, "t1", other.ID, now); err != nil || !ok {
		t.Fatalf("cancel of requested directive: %v ok=%v", err, ok)
	}
}

func TestRerunRestoresClaimability(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d, _, err := r.InsertDirective(ctx, testDirective("t1", "package.install", ""))
	if err != nil {
		t.Fatal(err)
	}
	now := repo.FormatTime(time.Now())
	if _, claimed, _ := r.ClaimDirective(ctx, d.ID, now); !claimed {
		t.Fatal("claim failed")
	}
	if ok, _ := r.MarkDirectiveFailed(ctx, d.ID, "boom", now); !ok {
		t.Fatal("mark failed failed")
	}
	if ok, err := r.RerunDirective(ctx, "t1", d.ID, 4, now); err != nil || !ok {
		t.Fatalf("rerun: %v ok=%v", err, ok)
	}
	got, err := r.GetDirective(ctx, "t1", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateRequested || got.Attempt != 1 || got.MaxAttempts != 4 {
		t.Fatalf("rerun state: %+v", got)
	}
	claimed, ok, err := r.ClaimDirective(ctx, d.ID, now)
	if err != nil || !ok {
		t.Fatalf("claim after rerun: %v ok=%v", err, ok)
	}
	if claimed.Attempt != 2 {
		t.Fatalf("attempt after rerun claim: %d", claimed.Attempt)
	}
}

func TestListDirectivesFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := testDirective("t1", "package.install", "")
	a.Subject = "package:mattermost"
	if _, _, err := r.InsertDirective(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.InsertDirective(ctx, testDirective("t1", "package.remove", "")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.InsertDirective(ctx, testDirective("t2", "package.install", "")); err != nil {
		t.Fatal(err)
	}
	bySubject, err := r.ListDirectives(ctx, repo.DirectiveFilter{Tenant: "t1", Subject: "package:mattermost"})
	if err != nil || len(bySubject) != 1 {
		t.Fatalf("subject filter: got %d (%v)", len(bySubject), err)
	}
	all, err := r.ListDirectives(ctx, repo.DirectiveFilter{Tenant: "t1"})
	if err != nil || len(all) != 2 {
		t.Fatalf("tenant scope: got %d (%v)", len(all), err)
	}
	if _, err := r.ListDirectives(ctx, repo.DirectiveFilter{}); err == nil {
		t.Fatal("tenantless list must be rejected")
	}
}
