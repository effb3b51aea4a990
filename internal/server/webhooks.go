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

	"signline/internal/config"
	"signline/internal/domain"
	"signline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher tails the audit stream and posts matching events to
// the configured endpoints. Delivery is at-least-once: each hook's cursor
// is persisted only after a successful POST, so a crash replays the tail.
type WebhookDispatcher struct {
	engine   engine.Engine
	log      *logrus.Logger
	webhooks []config.WebhookConfig
	client   *http.Client

	mu      sync.Mutex
	cursors map[string]int64

	stop chan struct{}
	done chan struct{}
}

// StartWebhookDispatcher launches the delivery loop. It returns nil when
// no webhooks are configured.
func StartWebhookDispatcher(e engine.Engine) *WebhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	d := &WebhookDispatcher{
		engine:   e,
		log:      e.Log,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[string]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Stop halts the loop after the in-flight pass finishes. Safe on nil.
func (d *WebhookDispatcher) Stop() {
	if d == nil {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *WebhookDispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(hookName(i, hook), hook)
	}
}

func hookName(idx int, hook config.WebhookConfig) string {
	if name := strings.TrimSpace(hook.Name); name != "" {
		return name
	}
	return fmt.Sprintf("hook_%d", idx)
}

func (d *WebhookDispatcher) dispatchHook(name string, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(ctx, name)
	entries, err := d.engine.Audit.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.WithError(err).Warn("webhook: fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Event.Action) {
			d.setCursor(ctx, name, entry.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, entry.ID, entry.Event); err != nil {
			d.log.WithError(err).WithField("url", hook.URL).Warn("webhook: delivery failed")
			return
		}
		d.setCursor(ctx, name, entry.ID)
	}
}

// cursorFor resolves a hook's position in the stream: memory, then the
// persisted cursor, then the current stream end. New hooks never replay
// history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[name]; ok {
		return cur
	}
	cur, err := d.engine.Repo.GetWebhookCursor(ctx, name)
	if err != nil {
		d.log.WithError(err).Warn("webhook: load cursor failed")
		cur = 0
	}
	if cur == 0 {
		cur, err = d.engine.Audit.LatestCursor(ctx)
		if err != nil {
			d.log.WithError(err).Warn("webhook: init cursor failed")
			cur = 0
		}
	}
	d.cursors[name] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(ctx context.Context, name string, value int64) {
	d.mu.Lock()
	d.cursors[name] = value
	d.mu.Unlock()
	if err := d.engine.Repo.SetWebhookCursor(ctx, name, value); err != nil {
		d.log.WithError(err).Warn("webhook: persist cursor failed")
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Seq        int64           `json:"seq"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	NodeID     *string         `json:"node_id,omitempty"`
	TaskID     *string         `json:"task_id,omitempty"`
	TS         string          `json:"ts"`
	Details    json.RawMessage `json:"details,omitempty"`
	Hash       string          `json:"hash"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, id int64, evt domain.AuditEvent) error {
	var details json.RawMessage
	if evt.Details != "" && json.Valid([]byte(evt.Details)) {
		details = json.RawMessage(evt.Details)
	}
	body := webhookEvent{
		ID:         id,
		InstanceID: evt.InstanceID,
		Seq:        evt.Seq,
		Action:     evt.Action,
		Actor:      evt.Actor,
		NodeID:     evt.NodeID,
		TaskID:     evt.TaskID,
		TS:         evt.TS,
		Details:    details,
		Hash:       evt.Hash,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signline-Event", evt.Action)
	req.Header.Set("X-Signline-Delivery", fmt.Sprintf("%d", id))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Signline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
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
