package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/db"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string]int
}

func (f *fakePusher) PushToUser(userID string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushed == nil {
		f.pushed = make(map[string]int)
	}
	f.pushed[userID]++
}

func (f *fakePusher) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[userID]
}

func newWatcherRig(t *testing.T) (*Service, *storage.Store, *fakePusher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	store, err := storage.NewWithDB(conn, conn)
	require.NoError(t, err)

	pusher := &fakePusher{}
	svc := NewService(store, bus.NewMemoryEventBus(log), pusher, log)
	return svc, store, pusher
}

func seedTask(t *testing.T, store *storage.Store) *v1.Task {
	t.Helper()
	task := &v1.Task{
		TaskType:   "build",
		Status:     v1.TaskStatusPending,
		Priority:   5,
		MaxRetries: 3,
	}
	require.NoError(t, store.CreateTask(task))
	return task
}

func statusEvent(eventType string, taskID int64, actor string) *bus.Event {
	return bus.NewEvent(eventType, "queue", map[string]interface{}{
		events.KeyTaskID: taskID,
		events.KeyActor:  actor,
		events.KeyStatus: "completed",
	})
}

func TestWatcherNotifiesSubscribers(t *testing.T) {
	svc, store, pusher := newWatcherRig(t)
	task := seedTask(t, store)
	_, err := store.UpsertWatch("alice", task.ID, v1.WatchAll)
	require.NoError(t, err)

	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCompleted, task.ID, "bob")))

	assert.Equal(t, 1, pusher.count("alice"))
	evts, err := store.ListWatchEvents("alice", 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.TaskCompleted, evts[0].EventKind)
	assert.Equal(t, "bob", evts[0].Actor)
}

func TestActorExcludedFromOwnEvents(t *testing.T) {
	svc, store, pusher := newWatcherRig(t)
	task := seedTask(t, store)
	_, err := store.UpsertWatch("alice", task.ID, v1.WatchAll)
	require.NoError(t, err)

	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCompleted, task.ID, "alice")))
	assert.Zero(t, pusher.count("alice"))
}

func TestWatchTypeFiltering(t *testing.T) {
	svc, store, pusher := newWatcherRig(t)
	task := seedTask(t, store)
	_, err := store.UpsertWatch("alice", task.ID, v1.WatchAssignment)
	require.NoError(t, err)

	// Status event does not match an assignment-only watch.
	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCompleted, task.ID, "bob")))
	assert.Zero(t, pusher.count("alice"))

	// Claim does.
	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskClaimed, task.ID, "bob")))
	assert.Equal(t, 1, pusher.count("alice"))
}

func TestAutoWatchOnCreate(t *testing.T) {
	svc, store, _ := newWatcherRig(t)
	task := seedTask(t, store)

	// Default preferences auto-watch on create.
	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCreated, task.ID, "alice")))

	watches, err := store.ListUserWatches("alice")
	require.NoError(t, err)
	require.Len(t, watches, 1)
	assert.Equal(t, task.ID, watches[0].TaskID)
}

func TestAutoWatchRespectsPreferences(t *testing.T) {
	svc, store, _ := newWatcherRig(t)
	task := seedTask(t, store)
	require.NoError(t, store.SetWatchPreferences(&v1.WatchPreferences{
		UserID:          "alice",
		AutoWatchCreate: false,
	}))

	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCreated, task.ID, "alice")))
	watches, err := store.ListUserWatches("alice")
	require.NoError(t, err)
	assert.Empty(t, watches)
}

func TestSessionWorkersNeverAutoWatch(t *testing.T) {
	svc, store, _ := newWatcherRig(t)
	task := seedTask(t, store)

	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskClaimed, task.ID, "session:dev-1")))
	watches, err := store.ListUserWatches("session:dev-1")
	require.NoError(t, err)
	assert.Empty(t, watches)
}

func TestQuietHoursSuppressPushNotRecord(t *testing.T) {
	svc, store, pusher := newWatcherRig(t)
	task := seedTask(t, store)
	_, err := store.UpsertWatch("alice", task.ID, v1.WatchAll)
	require.NoError(t, err)
	require.NoError(t, store.SetWatchPreferences(&v1.WatchPreferences{
		UserID:          "alice",
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	}))
	// Pin the clock inside the window.
	svc.now = func() time.Time {
		return time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	}

	require.NoError(t, svc.onEvent(context.Background(), statusEvent(events.TaskCompleted, task.ID, "bob")))

	assert.Zero(t, pusher.count("alice"))
	evts, err := store.ListWatchEvents("alice", 10)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestQuietHoursWindow(t *testing.T) {
	svc, _, _ := newWatcherRig(t)
	prefs := &v1.WatchPreferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

	at := func(h, m int) func() time.Time {
		return func() time.Time { return time.Date(2026, 8, 26, h, m, 0, 0, time.UTC) }
	}

	svc.now = at(23, 0)
	assert.True(t, svc.inQuietHours(prefs))
	svc.now = at(6, 59)
	assert.True(t, svc.inQuietHours(prefs))
	svc.now = at(7, 0)
	assert.False(t, svc.inQuietHours(prefs))
	svc.now = at(12, 0)
	assert.False(t, svc.inQuietHours(prefs))

	// Empty window never suppresses.
	assert.False(t, svc.inQuietHours(&v1.WatchPreferences{}))
}
