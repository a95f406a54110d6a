// Package webhook delivers task lifecycle events to registered HTTP
// endpoints. Deliveries to one endpoint are serialized so subscribers see
// events in order; distinct endpoints deliver in parallel.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// Headers attached to every delivery. The signature is the HMAC-SHA256 of
// the request body, hex encoded with a "sha256=" prefix.
const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	TimestampHeader = "X-Webhook-Timestamp"
)

// maxFieldBytes truncates result and error strings carried in payloads.
const maxFieldBytes = 2048

// maxResponseBytes caps the response-body prefix stored on each delivery
// record.
const maxResponseBytes = 1024

// queueDepth is the per-endpoint buffer; deliveries beyond it are dropped
// with a logged warning rather than blocking the event bus.
const queueDepth = 256

type job struct {
	webhook *v1.Webhook
	payload *v1.WebhookPayload
}

// Dispatcher fans task events out to webhook subscribers.
type Dispatcher struct {
	store  *storage.Store
	bus    bus.EventBus
	cfg    config.WebhookConfig
	logger *logger.Logger
	client *http.Client

	mu     sync.Mutex
	queues map[string]chan job
	sub    bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store *storage.Store, eventBus bus.EventBus, cfg config.WebhookConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		bus:    eventBus,
		cfg:    cfg,
		logger: log,
		client: &http.Client{},
		queues: make(map[string]chan job),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes the dispatcher to task lifecycle events.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(events.SubjectTaskPrefix+"*", d.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	d.sub = sub
	d.logger.Info("webhook dispatcher started")
	return nil
}

// Stop unsubscribes and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	close(d.stopCh)

	d.mu.Lock()
	for _, q := range d.queues {
		close(q)
	}
	d.queues = make(map[string]chan job)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

func (d *Dispatcher) onEvent(ctx context.Context, event *bus.Event) error {
	hooks, err := d.store.EnabledWebhooks()
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		return nil
	}

	payload := d.buildPayload(event)
	for _, hook := range hooks {
		if !matches(hook, event.Type, event.String(events.KeyTaskType)) {
			continue
		}
		d.enqueue(hook, payload)
	}
	return nil
}

func matches(hook *v1.Webhook, eventType, taskType string) bool {
	subscribed := false
	for _, e := range hook.Events {
		if e == eventType {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if len(hook.TaskTypes) == 0 {
		return true
	}
	for _, tt := range hook.TaskTypes {
		if tt == taskType {
			return true
		}
	}
	return false
}

func (d *Dispatcher) buildPayload(event *bus.Event) *v1.WebhookPayload {
	taskID, _ := event.Int64(events.KeyTaskID)
	info := v1.WebhookTaskInfo{
		ID:     taskID,
		Type:   event.String(events.KeyTaskType),
		Status: event.String(events.KeyStatus),
	}
	if prev := event.String(events.KeyPreviousStatus); prev != "" {
		info.PreviousStatus = &prev
	}
	if worker := event.String(events.KeyWorkerID); worker != "" {
		info.WorkerID = &worker
	}
	if result := truncate(event.String(events.KeyResult)); result != "" {
		info.Result = &result
	}
	if errMsg := truncate(event.String(events.KeyError)); errMsg != "" {
		info.Error = &errMsg
	}
	if task, err := d.store.GetTask(taskID); err == nil {
		info.Data = task.Payload
	}
	return &v1.WebhookPayload{
		Event:     event.Type,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Task:      info,
	}
}

// enqueue hands a delivery to the endpoint's serial queue, creating the
// worker on first use.
func (d *Dispatcher) enqueue(hook *v1.Webhook, payload *v1.WebhookPayload) {
	d.mu.Lock()
	q, ok := d.queues[hook.ID]
	if !ok {
		q = make(chan job, queueDepth)
		d.queues[hook.ID] = q
		d.wg.Add(1)
		go d.deliverLoop(q)
	}
	d.mu.Unlock()

	select {
	case q <- job{webhook: hook, payload: payload}:
	default:
		d.logger.Warn("webhook queue full, dropping delivery",
			zap.String("webhook_id", hook.ID),
			zap.String("event", payload.Event))
	}
}

func (d *Dispatcher) deliverLoop(q chan job) {
	defer d.wg.Done()
	for j := range q {
		d.deliverWithRetries(j.webhook, j.payload)
	}
}

// deliverWithRetries posts the payload, retrying with exponential backoff
// capped by the configured ceiling. Every attempt is recorded.
func (d *Dispatcher) deliverWithRetries(hook *v1.Webhook, payload *v1.WebhookPayload) {
	retries := hook.RetryCount
	if retries <= 0 {
		retries = d.cfg.DefaultRetryCount
	}
	for attempt := 1; attempt <= retries+1; attempt++ {
		delivery := d.deliverOnce(hook, payload, attempt)
		if err := d.store.RecordDelivery(delivery); err != nil {
			d.logger.Warn("failed to record webhook delivery",
				zap.String("webhook_id", hook.ID), zap.Error(err))
		}
		if delivery.Success {
			return
		}
		if attempt > retries {
			break
		}

		backoff := d.backoff(attempt)
		d.logger.Debug("webhook delivery failed, backing off",
			zap.String("webhook_id", hook.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-d.stopCh:
			return
		}
	}
	d.logger.Warn("webhook delivery exhausted retries",
		zap.String("webhook_id", hook.ID),
		zap.String("url", hook.URL),
		zap.String("event", payload.Event))
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	capSeconds := d.cfg.BackoffCapSeconds
	if capSeconds <= 0 {
		capSeconds = 60
	}
	seconds := 1 << attempt
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (d *Dispatcher) deliverOnce(hook *v1.Webhook, payload *v1.WebhookPayload, attempt int) *v1.WebhookDelivery {
	delivery := &v1.WebhookDelivery{
		WebhookID: hook.ID,
		Event:     payload.Event,
		TaskID:    payload.Task.ID,
		Attempt:   attempt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	delivery.Payload = string(body)

	timeout := hook.TimeoutSeconds
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeoutSeconds
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "devplane-webhook/1.0")
	req.Header.Set(EventHeader, payload.Event)
	req.Header.Set(TimestampHeader, payload.Timestamp)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	delivery.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	delivery.Response = string(respBody)
	delivery.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivery.Success {
		delivery.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	return delivery
}

func truncate(s string) string {
	if len(s) > maxFieldBytes {
		return s[:maxFieldBytes]
	}
	return s
}

// Sign computes the signature header value for a request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against a body and secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// SendTest posts a synthetic test event to one webhook, bypassing the event
// filters, and returns the delivery record.
func (d *Dispatcher) SendTest(webhookID string) (*v1.WebhookDelivery, error) {
	hook, err := d.store.GetWebhook(webhookID)
	if err != nil {
		return nil, err
	}
	payload := &v1.WebhookPayload{
		Event:     v1.EventTest,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Task: v1.WebhookTaskInfo{
			ID:     0,
			Type:   "test",
			Status: "test",
			Data:   map[string]interface{}{"message": "test delivery from devplane"},
		},
	}
	delivery := d.deliverOnce(hook, payload, 1)
	if err := d.store.RecordDelivery(delivery); err != nil {
		d.logger.Warn("failed to record test delivery",
			zap.String("webhook_id", hook.ID), zap.Error(err))
	}
	return delivery, nil
}
