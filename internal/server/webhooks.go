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

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts plan events to the hooks configured in
// planline.yml. Each hook keeps its own cursor starting at the newest event
// present when the dispatcher first polls.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Project  string
	Hooks    []config.Hook
	Interval time.Duration
	Client   *http.Client
	Logger   *zap.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

// StartWebhooks runs a dispatcher until ctx is done. It returns nil when no
// hooks are configured.
func StartWebhooks(ctx context.Context, r repo.Repo, cfg *config.Config, logger *zap.Logger) *WebhookDispatcher {
	if cfg == nil || len(cfg.Webhooks) == 0 || strings.TrimSpace(cfg.Project.ID) == "" {
		return nil
	}
	d := &WebhookDispatcher{
		Repo:    r,
		Project: cfg.Project.ID,
		Hooks:   cfg.Webhooks,
		Logger:  logger,
	}
	go d.Run(ctx)
	return d
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending events to every hook once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) log() *zap.Logger {
	return logging.OrNop(d.Logger)
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Hook) {
	log := d.log().With(zap.String("webhook", hook.ID))
	cursor := d.cursorFor(ctx, hook)
	events, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.Project)
	if err != nil {
		log.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(hook, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Hook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx, d.Project)
	if err != nil {
		d.log().Warn("init webhook cursor failed", zap.String("webhook", hook.ID), zap.Error(err))
		cur = 0
	}
	d.cursors[hook.ID] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(hook config.Hook, value int64) {
	d.mu.Lock()
	d.cursors[hook.ID] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Hook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Planline-Event", evt.Type)
	req.Header.Set("X-Planline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Planline-Project", d.Project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Planline-Secret", hook.Secret)
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
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
