package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"signaline/internal/config"
	"signaline/internal/domain"
	"signaline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the signal table and forwards batches to the
// configured endpoints. Delivery is best-effort: a failed POST leaves the
// cursor in place and the batch is retried on the next tick.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher begins forwarding signals in the background. No-op
// without configured webhooks.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, wh := range d.webhooks {
		if err := d.dispatchOne(ctx, i, wh); err != nil {
			log.Printf("webhook %s: %v", wh.URL, err)
		}
	}
}

func (d *webhookDispatcher) dispatchOne(ctx context.Context, idx int, wh config.WebhookConfig) error {
	d.mu.Lock()
	cursor := d.cursors[idx]
	d.mu.Unlock()

	signals, err := d.engine.Repo.SignalsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		return nil
	}

	var batch []domain.Signal
	for _, sig := range signals {
		if matchesPrefixes(sig.Name, wh.Prefixes) {
			batch = append(batch, sig)
		}
	}
	if len(batch) > 0 {
		body, err := json.Marshal(map[string]any{"signals": batch})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return &webhookStatusError{status: resp.StatusCode}
		}
	}

	d.mu.Lock()
	d.cursors[idx] = signals[len(signals)-1].Seq
	d.mu.Unlock()
	return nil
}

func matchesPrefixes(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.status)
}
