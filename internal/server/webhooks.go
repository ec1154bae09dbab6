package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"worknode/internal/config"
	"worknode/internal/domain"
	"worknode/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	maxDeliveryElapsed     = 30 * time.Second
)

// WebhookDispatcher pushes new history entries to the configured hooks. Each hook
// keeps its own in-memory cursor starting at the newest entry seen at first poll.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Logger   *slog.Logger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when no hook is enabled.
func NewWebhookDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger) *WebhookDispatcher {
	if cfg == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hooks = append(hooks, hook)
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Webhooks: hooks,
		Logger:   logger,
		Interval: defaultWebhookInterval,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.Repo.HistoryAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Error("webhook: fetch history failed", "error", err)
		return
	}
	filter := newProvenanceFilter(hook.Provenance)
	for _, h := range entries {
		if !filter.match(h.Provenance) {
			d.setCursor(idx, h.ID)
			continue
		}
		if err := d.deliver(ctx, hook, h); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "history_id", h.ID, "error", err)
			return
		}
		d.setCursor(idx, h.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestHistoryID(ctx)
	if err != nil {
		d.Logger.Error("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// deliver retries transport errors and 5xx responses; 4xx responses are final.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, h domain.HistoryEntry) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxDeliveryElapsed
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worknode-Delivery", fmt.Sprintf("%d", h.ID))
		req.Header.Set("X-Worknode-Provenance", string(h.Provenance))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Worknode-Signature", "sha256="+Sign(hook.Secret, data))
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type provenanceFilter struct {
	all bool
	set map[domain.Provenance]struct{}
}

func newProvenanceFilter(kinds []string) provenanceFilter {
	set := make(map[domain.Provenance]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[domain.Provenance(k)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return provenanceFilter{all: true}
	}
	return provenanceFilter{set: set}
}

func (f provenanceFilter) match(p domain.Provenance) bool {
	if f.all {
		return true
	}
	_, ok := f.set[p]
	return ok
}
