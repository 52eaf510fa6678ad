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

	"github.com/sirupsen/logrus"

	"taskmarket/internal/config"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher posts history entries to configured hooks. Each hook
// keeps its own cursor, starting at the newest entry when the dispatcher
// starts; a failed delivery is retried on the next tick.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      logrus.FieldLogger
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(e engine.Engine) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	log := e.Log
	if log == nil {
		log = logging.GetLogger()
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.WithField("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine) {
	d := newWebhookDispatcher(e)
	if d == nil {
		return
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
	entries, err := d.engine.Repo.HistoryAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.WithError(err).Warn("fetch history failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, h := range entries {
		if !filter.match(h.Action) {
			d.setCursor(idx, h.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, h); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{"url": hook.URL, "history_id": h.ID}).Warn("webhook delivery failed")
			return
		}
		d.setCursor(idx, h.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestHistoryID(ctx)
	if err != nil {
		d.log.WithError(err).Warn("init webhook cursor failed")
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

type webhookEvent struct {
	ID       int64          `json:"id"`
	Action   string         `json:"action"`
	TaskID   string         `json:"task_id"`
	ActorID  string         `json:"actor_id"`
	TS       string         `json:"ts"`
	Metadata map[string]any `json:"metadata"`
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, h domain.HistoryEntry) error {
	meta := h.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:       h.ID,
		Action:   h.Action,
		TaskID:   h.TaskID,
		ActorID:  h.ActorID,
		TS:       h.TS,
		Metadata: meta,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskmarket-Event", h.Action)
	req.Header.Set("X-Taskmarket-Delivery", fmt.Sprintf("%d", h.ID))
	req.Header.Set("X-Taskmarket-Task", h.TaskID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskmarket-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
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

func (f eventFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
