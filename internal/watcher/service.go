// Package watcher fans task lifecycle events out to subscribed users. Each
// hit is recorded durably and, when a push channel is wired, delivered in
// real time. Auto-watch preferences subscribe users as they create or pick
// up tasks; quiet hours suppress the push but never the durable record.
package watcher

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/storage"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// Pusher is the real-time delivery channel. The notify hub implements it; a
// nil pusher disables push without affecting durable records.
type Pusher interface {
	PushToUser(userID string, payload interface{})
}

// Service is the watcher / notification fan-out.
type Service struct {
	store  *storage.Store
	bus    bus.EventBus
	pusher Pusher
	logger *logger.Logger

	sub bus.Subscription

	// now is swappable for quiet-hours tests.
	now func() time.Time
}

// NewService creates the watcher service. pusher may be nil.
func NewService(store *storage.Store, eventBus bus.EventBus, pusher Pusher, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		pusher: pusher,
		logger: log,
		now:    time.Now,
	}
}

// Start subscribes to the task event stream.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(events.SubjectTaskPrefix+"*", s.onEvent)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("watcher service started")
	return nil
}

// Stop cancels the subscription.
func (s *Service) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// eventCategory maps an event type onto the watch_type taxonomy.
func eventCategory(eventType string) v1.WatchType {
	switch eventType {
	case events.TaskClaimed, events.TaskAssigned:
		return v1.WatchAssignment
	case events.TaskComment:
		return v1.WatchComments
	default:
		return v1.WatchStatus
	}
}

func (s *Service) onEvent(ctx context.Context, ev *bus.Event) error {
	taskID, ok := ev.Int64(events.KeyTaskID)
	if !ok {
		return nil
	}
	actor := ev.String(events.KeyActor)
	if actor == "" {
		actor = ev.String(events.KeyWorkerID)
	}

	s.autoWatch(ev, taskID, actor)

	watchers, err := s.store.ListWatchers(taskID)
	if err != nil {
		s.logger.Warn("failed to list watchers",
			zap.Int64("task_id", taskID), zap.Error(err))
		return nil
	}
	if len(watchers) == 0 {
		return nil
	}

	category := eventCategory(ev.Type)
	for _, w := range watchers {
		if w.UserID == actor {
			// The actor already knows what they did.
			continue
		}
		if w.WatchType != v1.WatchAll && w.WatchType != category {
			continue
		}
		s.notify(w, ev, actor)
	}
	return nil
}

// autoWatch subscribes the acting user according to their preferences.
func (s *Service) autoWatch(ev *bus.Event, taskID int64, actor string) {
	if actor == "" || strings.HasPrefix(actor, "session:") {
		return
	}

	var want bool
	prefs, err := s.store.GetWatchPreferences(actor)
	if err != nil {
		s.logger.Warn("failed to load watch preferences",
			zap.String("user_id", actor), zap.Error(err))
		return
	}
	switch ev.Type {
	case events.TaskCreated:
		want = prefs.AutoWatchCreate
	case events.TaskClaimed, events.TaskAssigned:
		want = prefs.AutoWatchAssign
	case events.TaskComment:
		want = prefs.AutoWatchComment
	}
	if !want {
		return
	}
	if _, err := s.store.UpsertWatch(actor, taskID, v1.WatchAll); err != nil {
		s.logger.Warn("auto-watch failed",
			zap.String("user_id", actor),
			zap.Int64("task_id", taskID),
			zap.Error(err))
	}
}

// notify records the durable watch event and pushes it unless the user is in
// quiet hours.
func (s *Service) notify(w *v1.Watch, ev *bus.Event, actor string) {
	record := &v1.WatchEvent{
		WatchID:   w.ID,
		UserID:    w.UserID,
		TaskID:    w.TaskID,
		EventKind: ev.Type,
		Actor:     actor,
		Detail:    ev.String(events.KeyStatus),
	}
	if err := s.store.RecordWatchEvent(record); err != nil {
		s.logger.Warn("failed to record watch event",
			zap.String("user_id", w.UserID), zap.Error(err))
		return
	}

	if s.pusher == nil {
		return
	}
	prefs, err := s.store.GetWatchPreferences(w.UserID)
	if err == nil && s.inQuietHours(prefs) {
		s.logger.Debug("quiet hours, push suppressed",
			zap.String("user_id", w.UserID))
		return
	}
	s.pusher.PushToUser(w.UserID, record)
}

// inQuietHours reports whether the user's local wall clock falls inside the
// configured quiet window. Windows may wrap midnight (22:00 to 07:00).
func (s *Service) inQuietHours(prefs *v1.WatchPreferences) bool {
	if prefs.QuietHoursStart == "" || prefs.QuietHoursEnd == "" {
		return false
	}
	start, err1 := parseClock(prefs.QuietHoursStart)
	end, err2 := parseClock(prefs.QuietHoursEnd)
	if err1 != nil || err2 != nil || start == end {
		return false
	}

	now := s.now()
	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
