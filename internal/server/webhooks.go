package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teamflow/internal/config"
	"teamflow/internal/domain"
	"teamflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// NotificationStore is the part of the repo the dispatcher reads.
type NotificationStore interface {
	NotificationsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Notification, error)
	LatestNotificationID(ctx context.Context) (int64, error)
}

var _ NotificationStore = repo.Repo{}

// webhookDispatcher forwards new notifications to configured URLs. Each hook
// keeps its own cursor, starting at the newest notification when the
// dispatcher starts; a failed delivery is retried on the next tick.
type webhookDispatcher struct {
	store    NotificationStore
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	logger   *zerolog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(store NotificationStore, hooks []config.WebhookConfig, logger *zerolog.Logger) *webhookDispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &webhookDispatcher{
		store:    store,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// RunWebhooks delivers notifications until ctx is done. It returns
// immediately when no webhook is configured.
func RunWebhooks(ctx context.Context, store NotificationStore, cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	return newWebhookDispatcher(store, cfg.Webhooks, logger).run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	items, err := d.store.NotificationsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook: fetch notifications")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, n := range items {
		if !filter.match(n.Type) {
			d.setCursor(idx, n.ID)
			continue
		}
		if err := d.post(ctx, hook, n); err != nil {
			d.logger.Warn().Err(err).Str("url", hook.URL).Int64("notification_id", n.ID).Msg("webhook: delivery failed")
			return
		}
		d.setCursor(idx, n.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.store.LatestNotificationID(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook: init cursor")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Teamflow-Event", n.Type)
	req.Header.Set("X-Teamflow-Delivery", fmt.Sprintf("%d", n.ID))
	if n.RelatedProjectID != "" {
		req.Header.Set("X-Teamflow-Project", n.RelatedProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Teamflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
