// Package responder watches assistant sessions for interactive confirmation
// prompts and answers them. Detection is driven by a cached set of
// tool-scoped regex patterns with a built-in heuristic fallback; answers are
// delayed by a risk-tuned randomized interval before injection. Every hit is
// recorded for trend learning.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/events"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/tmux"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

const eventSource = "responder"

// changeDetectInterval is how often the trend detector runs.
const changeDetectInterval = 10 * time.Minute

// staleCooldown is the age past which a cooldown entry is ignored and swept.
// Entries this old are leftovers from a crashed run.
const staleCooldown = time.Hour

// learnedPatternName is the name under which heuristic hits are persisted so
// they participate in trend learning.
const learnedPatternName = "learned_numbered_confirm"

// Service is the prompt auto-responder.
type Service struct {
	store    *PatternStore
	cache    *PatternCache
	tmux     tmux.Client
	bus      bus.EventBus
	locks    *flock.Manager
	cfg      config.ResponderConfig
	excluded map[string]struct{}
	logger   *logger.Logger

	// toolFor maps a session name to its assistant tool; defaults to the
	// global scope when unset.
	toolFor func(session string) string

	mu        sync.Mutex
	cooldowns map[string]time.Time
	learned   map[string]int64 // tool -> learned pattern id

	lock   *flock.Handle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the responder. Sessions named in excluded are never
// touched.
func NewService(store *PatternStore, tm tmux.Client, eventBus bus.EventBus, locks *flock.Manager, cfg config.ResponderConfig, excluded []string, log *logger.Logger) *Service {
	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}
	return &Service{
		store:     store,
		cache:     NewPatternCache(store, log),
		tmux:      tm,
		bus:       eventBus,
		locks:     locks,
		cfg:       cfg,
		excluded:  skip,
		logger:    log,
		toolFor:   func(string) string { return "" },
		cooldowns: make(map[string]time.Time),
		learned:   make(map[string]int64),
		stopCh:    make(chan struct{}),
	}
}

// SetToolResolver installs the session-to-tool mapping used to scope the
// pattern lookup.
func (s *Service) SetToolResolver(fn func(session string) string) {
	if fn != nil {
		s.toolFor = fn
	}
}

// Store exposes the pattern store for the operator surface.
func (s *Service) Store() *PatternStore { return s.store }

// Start claims the singleton lock, warms the cache, and launches the polling
// loop. A second responder process fails here instead of double-answering.
func (s *Service) Start(ctx context.Context) error {
	handle, err := s.locks.Acquire(s.cfg.LockName, time.Second)
	if err != nil {
		return fmt.Errorf("another responder instance holds the lock: %w", err)
	}
	s.lock = handle

	if err := s.cache.Refresh(); err != nil {
		s.logger.Warn("initial pattern cache load failed", zap.Error(err))
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Info("responder started",
		zap.Duration("check_interval", s.cfg.CheckInterval()),
		zap.Int("patterns", s.cache.Size()))
	return nil
}

// Stop halts the loop and releases the singleton lock.
func (s *Service) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
	if s.lock != nil {
		_ = s.locks.Release(s.lock)
	}
}

func (s *Service) run() {
	defer s.wg.Done()

	poll := time.NewTicker(s.cfg.CheckInterval())
	defer poll.Stop()
	refresh := time.NewTicker(s.cfg.CacheRefreshInterval())
	defer refresh.Stop()
	detect := time.NewTicker(changeDetectInterval)
	defer detect.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-refresh.C:
			if err := s.cache.Refresh(); err != nil {
				s.logger.Warn("pattern cache refresh failed", zap.Error(err))
			}
		case <-detect.C:
			s.detectChanges(context.Background())
		case <-poll.C:
			s.poll(context.Background())
		}
	}
}

// poll scans every live session once, sequentially.
func (s *Service) poll(ctx context.Context) {
	sessions, err := s.tmux.ListSessions(ctx)
	if err != nil {
		s.logger.Warn("failed to list sessions", zap.Error(err))
		return
	}
	s.sweepCooldowns()

	for _, name := range sessions {
		if _, skip := s.excluded[name]; skip {
			continue
		}
		if s.onCooldown(name) {
			continue
		}
		// A failing session is skipped, never fatal.
		if err := s.scanSession(ctx, name); err != nil {
			s.logger.Warn("session scan failed",
				zap.String("session", name), zap.Error(err))
		}
	}
}

// scanSession captures one session, runs detection, and acts on the result.
func (s *Service) scanSession(ctx context.Context, session string) error {
	capture, err := s.tmux.CapturePane(ctx, session, s.cfg.TailLines*4)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	if strings.TrimSpace(capture) == "" {
		return nil
	}

	window := TailWindow(StripTerminalArtifacts(capture), s.cfg.TailLines)
	tool := s.toolFor(session)
	det := Detect(window, s.cache.ForTool(tool))
	if det == nil {
		return nil
	}

	switch {
	case det.Confirm():
		return s.confirm(ctx, session, tool, det, window)
	case strings.HasPrefix(det.Action, v1.ActionAlertPrefix):
		s.alert(ctx, session, det, window)
		return nil
	default:
		// skip and wait_for_options take no action but still count.
		if det.Pattern != nil {
			s.record(det.Pattern.ID, session, det, window, true)
		}
		return nil
	}
}

// confirm sleeps the risk-tuned delay and injects the answer key.
func (s *Service) confirm(ctx context.Context, session, tool string, det *Detection, window string) error {
	delay := DelayFor(det.Risk)
	select {
	case <-time.After(delay):
	case <-s.stopCh:
		return nil
	}

	err := s.tmux.SendKeys(ctx, session, det.Key, true)
	success := err == nil

	patternID := s.patternID(tool, det)
	if patternID != 0 {
		s.record(patternID, session, det, window, success)
	}
	if success {
		s.setCooldown(session)
		s.publish(ctx, events.PatternMatched, map[string]interface{}{
			events.KeySessionName: session,
			"action":              det.Action,
			"risk":                string(det.Risk),
			"delay_ms":            delay.Milliseconds(),
		})
		s.logger.Info("answered confirmation prompt",
			zap.String("session", session),
			zap.String("key", det.Key),
			zap.String("risk", string(det.Risk)),
			zap.Duration("delay", delay))
		return nil
	}
	return fmt.Errorf("key injection failed: %w", err)
}

// alert publishes an operator alert without touching the session.
func (s *Service) alert(ctx context.Context, session string, det *Detection, window string) {
	kind := strings.TrimPrefix(det.Action, v1.ActionAlertPrefix)
	if det.Pattern != nil {
		s.record(det.Pattern.ID, session, det, window, true)
	}
	s.publish(ctx, events.PatternMatched, map[string]interface{}{
		events.KeySessionName: session,
		"action":              det.Action,
		"alert":               kind,
		"matched":             det.MatchedText,
	})
	s.logger.Warn("pattern alert",
		zap.String("session", session),
		zap.String("kind", kind),
		zap.String("matched", det.MatchedText))
}

// patternID resolves the pattern to record against. Heuristic hits are
// persisted as a learned pattern per tool so they join trend learning.
func (s *Service) patternID(tool string, det *Detection) int64 {
	if det.Pattern != nil {
		return det.Pattern.ID
	}
	s.mu.Lock()
	id, ok := s.learned[tool]
	s.mu.Unlock()
	if ok {
		return id
	}

	p, err := s.store.CreatePattern(&v1.PromptPattern{
		PatternName: learnedPatternName,
		ToolName:    tool,
		Pattern:     optionOneRe.String(),
		PatternType: v1.PatternTypePermissionPrompt,
		Action:      v1.ActionSendKeyPrefix + "1",
	})
	if errors.Is(err, ErrPatternExists) {
		existing, lerr := s.store.ListPatterns(tool, false)
		if lerr != nil {
			return 0
		}
		for _, e := range existing {
			if e.PatternName == learnedPatternName {
				p = e
				err = nil
				break
			}
		}
	}
	if err != nil || p == nil {
		s.logger.Warn("failed to persist learned pattern", zap.Error(err))
		return 0
	}
	s.mu.Lock()
	s.learned[tool] = p.ID
	s.mu.Unlock()
	return p.ID
}

func (s *Service) record(patternID int64, session string, det *Detection, window string, success bool) {
	occ := &v1.PromptOccurrence{
		PatternID:   patternID,
		SessionName: session,
		MatchedText: det.MatchedText,
		Context:     window,
		ActionTaken: det.Action,
		Success:     success,
	}
	if err := s.store.RecordOccurrence(occ); err != nil {
		s.logger.Warn("failed to record occurrence",
			zap.Int64("pattern_id", patternID), zap.Error(err))
	}
}

func (s *Service) onCooldown(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[session]
	if !ok {
		return false
	}
	now := time.Now()
	if now.Sub(until) > staleCooldown {
		delete(s.cooldowns, session)
		return false
	}
	return now.Before(until)
}

func (s *Service) setCooldown(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[session] = time.Now().Add(s.cfg.SessionCooldown())
}

func (s *Service) sweepCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for session, until := range s.cooldowns {
		if now.Sub(until) > staleCooldown {
			delete(s.cooldowns, session)
		}
	}
}

// detectChanges runs the trend detector over every pattern and records
// unacknowledged changes for new, vanished, or underperforming patterns.
func (s *Service) detectChanges(ctx context.Context) {
	patterns, err := s.store.ListPatterns("", false)
	if err != nil {
		s.logger.Warn("change detection failed to list patterns", zap.Error(err))
		return
	}
	now := time.Now().UTC()

	for _, p := range patterns {
		st, err := s.store.statsFor(p.ID, now)
		if err != nil {
			s.logger.Warn("change detection failed",
				zap.Int64("pattern_id", p.ID), zap.Error(err))
			continue
		}
		if st.Total == 0 {
			continue
		}

		switch {
		case now.Sub(st.FirstSeen) <= time.Hour:
			s.flagChange(ctx, p.ID, v1.ChangeNewPatternDetected,
				fmt.Sprintf("first occurrence observed at %s", st.FirstSeen.Format(time.RFC3339)))
		case st.HasPrevious && st.Recent == 0:
			s.flagChange(ctx, p.ID, v1.ChangePatternDisappeared,
				fmt.Sprintf("no occurrences since %s", st.LastSeen.Format(time.RFC3339)))
		case st.Recent >= 5 && float64(st.RecentOK)/float64(st.Recent) < 0.5:
			s.flagChange(ctx, p.ID, v1.ChangeLowSuccessRate,
				fmt.Sprintf("%d of %d recent occurrences succeeded", st.RecentOK, st.Recent))
		}
	}
}

func (s *Service) flagChange(ctx context.Context, patternID int64, changeType, detail string) {
	open, err := s.store.hasOpenChange(patternID, changeType)
	if err != nil || open {
		return
	}
	if _, err := s.store.RecordChange(patternID, changeType, detail); err != nil {
		s.logger.Warn("failed to record pattern change",
			zap.Int64("pattern_id", patternID), zap.Error(err))
		return
	}
	s.publish(ctx, events.PatternChangeFlagged, map[string]interface{}{
		"pattern_id":  patternID,
		"change_type": changeType,
		"detail":      detail,
	})
	s.logger.Info("pattern change flagged",
		zap.Int64("pattern_id", patternID),
		zap.String("change_type", changeType))
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
