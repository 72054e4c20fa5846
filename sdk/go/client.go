package signalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Signaline HTTP API client.
type Client struct {
	BaseURL     string
	Tenant      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenant string) *Client {
	return &Client{
		BaseURL: baseURL,
		Tenant:  tenant,
		Timeout: 10 * time.Second,
	}
}

// Signal represents the API signal model.
type Signal struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Name       string         `json:"name"`
	OccurredAt string         `json:"occurred_at"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Directive represents the API directive model.
type Directive struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Name           string         `json:"name"`
	Subject        string         `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	State          string         `json:"state"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	RunAfter       string         `json:"run_after"`
	RequestedAt    string         `json:"requested_at"`
	StartedAt      *string        `json:"started_at,omitempty"`
	FinishedAt     *string        `json:"finished_at,omitempty"`
}

// EmitOptions are the optional fields of Emit.
type EmitOptions struct {
	Metadata   map[string]any
	DedupeKey  string
	OccurredAt string
}

// RequestOptions are the optional fields of Request.
type RequestOptions struct {
	Subject        string
	IdempotencyKey string
	RunAfter       string
}

// APIError is the API error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Emit records a signal.
func (c *Client) Emit(ctx context.Context, name string, payload map[string]any, opts EmitOptions) (Signal, error) {
	body := map[string]any{"name": name}
	if payload != nil {
		body["payload"] = payload
	}
	if opts.Metadata != nil {
		body["metadata"] = opts.Metadata
	}
	if opts.DedupeKey != "" {
		body["dedupe_key"] = opts.DedupeKey
	}
	if opts.OccurredAt != "" {
		body["occurred_at"] = opts.OccurredAt
	}
	var sig Signal
	err := c.do(ctx, http.MethodPost, c.tenantPath("signals"), nil, body, &sig)
	return sig, err
}

// Request creates (or idempotently returns) a directive.
func (c *Client) Request(ctx context.Context, name string, payload map[string]any, opts RequestOptions) (Directive, error) {
	body := map[string]any{"name": name}
	if payload != nil {
		body["payload"] = payload
	}
	if opts.Subject != "" {
		body["subject"] = opts.Subject
	}
	if opts.IdempotencyKey != "" {
		body["idempotency_key"] = opts.IdempotencyKey
	}
	if opts.RunAfter != "" {
		body["run_after"] = opts.RunAfter
	}
	var d Directive
	err := c.do(ctx, http.MethodPost, c.tenantPath("directives"), nil, body, &d)
	return d, err
}

// CancelDirective cancels an unclaimed directive.
func (c *Client) CancelDirective(ctx context.Context, id string) (Directive, error) {
	var d Directive
	err := c.do(ctx, http.MethodPost, c.tenantPath("directives", id, "cancel"), nil, nil, &d)
	return d, err
}

// RerunDirective re-queues a terminal directive.
func (c *Client) RerunDirective(ctx context.Context, id string) (Directive, error) {
	var d Directive
	err := c.do(ctx, http.MethodPost, c.tenantPath("directives", id, "rerun"), nil, nil, &d)
	return d, err
}

// GetDirective fetches one directive.
func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var d Directive
	err := c.do(ctx, http.MethodGet, c.tenantPath("directives", id), nil, nil, &d)
	return d, err
}

// ListSignals returns signals filtered by subject and/or since.
func (c *Client) ListSignals(ctx context.Context, subject, since string) ([]Signal, error) {
	q := url.Values{}
	if subject != "" {
		q.Set("subject", subject)
	}
	if since != "" {
		q.Set("since", since)
	}
	var out struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.tenantPath("signals"), q, nil, &out)
	return out.Items, err
}

// ListDirectives returns directives filtered by subject and/or since.
func (c *Client) ListDirectives(ctx context.Context, subject, since string) ([]Directive, error) {
	q := url.Values{}
	if subject != "" {
		q.Set("subject", subject)
	}
	if since != "" {
		q.Set("since", since)
	}
	var out struct {
		Items []Directive `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.tenantPath("directives"), q, nil, &out)
	return out.Items, err
}

func (c *Client) tenantPath(parts ...string) string {
	return "/v0/tenants/" + url.PathEscape(c.Tenant) + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	client := c.HTTPClient
	if client == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	endpoint := strings.TrimSuffix(c.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
