package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signaline/internal/bus"
	"signaline/internal/domain"
	"signaline/internal/engine"
	"signaline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"cannot cancel directive in state running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Signaline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Signaline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerDirectives(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se domain.SecretLeakageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "secret_leakage", err.Error(), map[string]any{"key": se.Key})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"directive_id": ce.DirectiveID,
			"state":        string(ce.State),
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/status",
		Summary:     "Tenant status",
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		status, err := e.Status(ctx, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: status}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-signal",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/signals",
		Summary:       "Emit a signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		Body   EmitSignalRequest
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		var occurredAt time.Time
		if input.Body.OccurredAt != nil {
			parsed, err := time.Parse(time.RFC3339, *input.Body.OccurredAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid occurred_at", map[string]any{"occurred_at": *input.Body.OccurredAt})
			}
			occurredAt = parsed
		}
		sig, err := e.Emit(ctx, bus.EmitInput{
			Tenant:     input.Tenant,
			Name:       input.Body.Name,
			Payload:    input.Body.Payload,
			Metadata:   input.Body.Metadata,
			DedupeKey:  valueOr(input.Body.DedupeKey),
			OccurredAt: occurredAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(sig)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/signals",
		Summary:     "List signals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Tenant  string `path:"tenant"`
		Name    string `query:"name"`
		Subject string `query:"subject"`
		Since   string `query:"since"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedSignals `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, cursorErr := parseCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, err := e.ListSignals(ctx, repo.SignalFilter{
			Tenant:  input.Tenant,
			Name:    input.Name,
			Subject: input.Subject,
			Since:   input.Since,
			Limit:   limit + 1,
			Cursor:  cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSignals{Items: []SignalResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Seq)
			items = items[:limit]
		}
		for _, sig := range items {
			resp.Items = append(resp.Items, signalResponse(sig))
		}
		return &struct {
			Body paginatedSignals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/signals/{id}",
		Summary:     "Get one signal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		sig, err := e.GetSignal(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(sig)}, nil
	})
}

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-directive",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/directives",
		Summary:       "Request a directive",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		Body   RequestDirectiveRequest
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		var runAfter time.Time
		if input.Body.RunAfter != nil {
			parsed, err := time.Parse(time.RFC3339, *input.Body.RunAfter)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid run_after", map[string]any{"run_after": *input.Body.RunAfter})
			}
			runAfter = parsed
		}
		requestedBy := ""
		if p, ok := principalFromContext(ctx); ok {
			requestedBy = p.ActorID
		}
		d, _, err := e.Request(ctx, engine.RequestInput{
			Tenant:         input.Tenant,
			Name:           input.Body.Name,
			Subject:        valueOr(input.Body.Subject),
			Payload:        input.Body.Payload,
			IdempotencyKey: valueOr(input.Body.IdempotencyKey),
			RunAfter:       runAfter,
			RequestedBy:    requestedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/directives",
		Summary:     "List directives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Tenant  string `path:"tenant"`
		Name    string `query:"name"`
		Subject string `query:"subject"`
		State   string `query:"state" enum:"requested,scheduled,running,succeeded,failed,canceled"`
		Since   string `query:"since"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedDirectives `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, cursorErr := parseCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, err := e.ListDirectives(ctx, repo.DirectiveFilter{
			Tenant:  input.Tenant,
			Name:    input.Name,
			Subject: input.Subject,
			State:   input.State,
			Since:   input.Since,
			Limit:   limit + 1,
			Cursor:  cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDirectives{Items: []DirectiveResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Seq)
			items = items[:limit]
		}
		for _, d := range items {
			resp.Items = append(resp.Items, directiveResponse(d))
		}
		return &struct {
			Body paginatedDirectives `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/directives/{id}",
		Summary:     "Get one directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.GetDirective(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant}/directives/{id}/cancel",
		Summary:     "Cancel an unclaimed directive",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.Cancel(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerun-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant}/directives/{id}/rerun",
		Summary:     "Re-queue a terminal directive",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.Rerun(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return parsed, nil
}

func valueOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
