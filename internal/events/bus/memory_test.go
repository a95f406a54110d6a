package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devplane/devplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if b == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("task.created", "test-source", map[string]interface{}{"task_id": int64(7)})
	if err := b.Publish(ctx, "task.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "task.created" {
			t.Errorf("expected event type task.created, got %s", got.Type)
		}
		if id, ok := got.Int64("task_id"); !ok || id != 7 {
			t.Errorf("expected task_id 7, got %d (ok=%v)", id, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count atomic.Int64

	if _, err := b.Subscribe("task.*", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, subject := range []string{"task.created", "task.completed", "session.idle"} {
		if err := b.Publish(ctx, subject, NewEvent(subject, "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 matching deliveries, got %d", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count atomic.Int64

	sub, err := b.Subscribe("task.created", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(ctx, "task.created", NewEvent("task.created", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", got)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}
	if err := b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
