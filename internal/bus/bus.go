// Package bus is the single entry point for emitting signals. Emit returns
// once the signal is durable; fanout to registered handlers is asynchronous
// and best-effort. The signal store, not fanout, is the source of truth.
package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signaline/internal/config"
	"signaline/internal/domain"
	"signaline/internal/payload"
	"signaline/internal/repo"
)

// Handler consumes a persisted signal. Errors are logged and retried a
// bounded number of times; they never affect the signal or other handlers.
type Handler func(ctx context.Context, sig domain.Signal) error

type registration struct {
	pattern string
	prefix  bool
	fn      Handler
}

type Bus struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	mu       sync.RWMutex
	handlers []registration
	wg       sync.WaitGroup
}

func New(r repo.Repo, cfg *config.Config) *Bus {
	return &Bus{Repo: r, Config: cfg, Now: time.Now}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bus) logger() *log.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.Default()
}

// Register subscribes fn to a signal name pattern: either an exact name or a
// prefix wildcard like "package.install.*". Domain modules call this once at
// process startup.
func (b *Bus) Register(pattern string, fn Handler) {
	reg := registration{pattern: pattern, fn: fn}
	if strings.HasSuffix(pattern, ".*") {
		reg.prefix = true
		reg.pattern = strings.TrimSuffix(pattern, "*")
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, reg)
	b.mu.Unlock()
}

// EmitInput are the parameters for Emit.
type EmitInput struct {
	Tenant     string
	Name       string
	Payload    map[string]any
	Metadata   map[string]any
	DedupeKey  string
	OccurredAt time.Time
}

// Emit validates, dedupes and persists a signal, then triggers fanout in the
// background. A repeat emit with an existing (tenant, dedupe_key) returns the
// stored signal unchanged and fans out nothing.
func (b *Bus) Emit(ctx context.Context, in EmitInput) (domain.Signal, error) {
	if strings.TrimSpace(in.Tenant) == "" {
		return domain.Signal{}, domain.ValidationError{Field: "tenant", Reason: "required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Signal{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	denylist := b.Config.Secrets.Denylist
	if err := payload.Check("payload", in.Payload, denylist); err != nil {
		return domain.Signal{}, err
	}
	if err := payload.Check("metadata", in.Metadata, denylist); err != nil {
		return domain.Signal{}, err
	}
	now := b.now()
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	s := domain.Signal{
		ID:         uuid.NewString(),
		Tenant:     in.Tenant,
		Name:       in.Name,
		OccurredAt: repo.FormatTime(occurred),
		Subject:    subjectFrom(in.Metadata),
		Payload:    in.Payload,
		Metadata:   in.Metadata,
		DedupeKey:  in.DedupeKey,
		CreatedAt:  repo.FormatTime(now),
	}
	stored, created, err := b.Repo.InsertSignal(ctx, s)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("emit %s: %w", in.Name, err)
	}
	if created {
		b.dispatch(stored)
	}
	return stored, nil
}

func subjectFrom(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["subject"].(string); ok {
		return v
	}
	return ""
}

// dispatch invokes every matching handler in its own goroutine. Each handler
// failure is isolated: recovered, logged with the signal id, retried up to
// the configured bound, and never propagated to the emitter.
func (b *Bus) dispatch(sig domain.Signal) {
	b.mu.RLock()
	var matched []registration
	for _, reg := range b.handlers {
		if reg.prefix && strings.HasPrefix(sig.Name, reg.pattern) {
			matched = append(matched, reg)
		} else if !reg.prefix && reg.pattern == sig.Name {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	for _, reg := range matched {
		reg := reg
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			attempts := 1 + b.Config.Fanout.MaxRetries
			for i := 1; i <= attempts; i++ {
				err := invoke(reg.fn, sig)
				if err == nil {
					return
				}
				b.logger().Printf("fanout handler %q failed (signal=%s tenant=%s attempt=%d/%d): %v",
					reg.pattern, sig.ID, sig.Tenant, i, attempts, err)
				if i < attempts {
					time.Sleep(b.Config.Fanout.RetryDelay.Std())
				}
			}
		}()
	}
}

func invoke(fn Handler, sig domain.Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(context.Background(), sig)
}

// Drain blocks until in-flight fanout completes. Used on shutdown and by
// tests.
func (b *Bus) Drain() {
	b.wg.Wait()
}
