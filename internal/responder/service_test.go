package responder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/common/config"
	"github.com/devplane/devplane/internal/common/logger"
	"github.com/devplane/devplane/internal/db"
	"github.com/devplane/devplane/internal/events/bus"
	"github.com/devplane/devplane/internal/flock"
	"github.com/devplane/devplane/internal/tmux"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func newResponderRig(t *testing.T, excluded ...string) (*Service, *tmux.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	store, err := NewPatternStore(conn)
	require.NoError(t, err)

	locks, err := flock.NewManager(t.TempDir(), log)
	require.NoError(t, err)

	fake := tmux.NewFake()
	cfg := config.ResponderConfig{
		CheckIntervalMS:        500,
		CacheRefreshSeconds:    300,
		SessionCooldownSeconds: 3,
		TailLines:              15,
		LockName:               "prompt-responder",
	}
	svc := NewService(store, fake, bus.NewMemoryEventBus(log), locks, cfg, excluded, log)
	require.NoError(t, svc.cache.Refresh())
	return svc, fake
}

const confirmDialog = `Read file main.go?
 1. Yes
 2. No
Esc to cancel`

func TestScanAnswersHeuristicPrompt(t *testing.T) {
	svc, fake := newResponderRig(t)
	fake.SetPane("dev-1", confirmDialog)

	require.NoError(t, svc.scanSession(context.Background(), "dev-1"))

	sent := fake.Sent("dev-1")
	require.Len(t, sent, 1)
	assert.Equal(t, "1", sent[0])

	// The heuristic hit was persisted as a learned pattern with one
	// successful occurrence.
	patterns, err := svc.store.ListPatterns("", false)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, learnedPatternName, patterns[0].PatternName)

	occ, err := svc.store.ListOccurrences(patterns[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.True(t, occ[0].Success)
	assert.Equal(t, "send_key:1", occ[0].ActionTaken)

	// Cooldown is armed.
	assert.True(t, svc.onCooldown("dev-1"))
}

func TestScanSkipsSessionOnCooldown(t *testing.T) {
	svc, fake := newResponderRig(t)
	fake.SetPane("dev-1", confirmDialog)
	svc.setCooldown("dev-1")

	svc.poll(context.Background())
	assert.Empty(t, fake.Sent("dev-1"))
}

func TestExcludedSessionNeverTouched(t *testing.T) {
	svc, fake := newResponderRig(t, "dev-1")
	fake.SetPane("dev-1", confirmDialog)

	svc.poll(context.Background())
	assert.Empty(t, fake.Sent("dev-1"))
}

func TestSkipPatternSuppressesInjection(t *testing.T) {
	svc, fake := newResponderRig(t)
	p, err := svc.store.CreatePattern(&v1.PromptPattern{
		PatternName: "edits-indicator",
		ToolName:    "",
		Pattern:     `1\. Yes`,
		PatternType: v1.PatternTypeStatus,
		Action:      v1.ActionSkip,
	})
	require.NoError(t, err)
	require.NoError(t, svc.cache.Refresh())

	fake.SetPane("dev-1", confirmDialog)
	require.NoError(t, svc.scanSession(context.Background(), "dev-1"))

	assert.Empty(t, fake.Sent("dev-1"))
	occ, err := svc.store.ListOccurrences(p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 1)
}

func TestStaleCooldownIgnored(t *testing.T) {
	svc, _ := newResponderRig(t)
	svc.mu.Lock()
	svc.cooldowns["dev-1"] = time.Now().Add(-2 * time.Hour)
	svc.mu.Unlock()

	assert.False(t, svc.onCooldown("dev-1"))

	svc.sweepCooldowns()
	svc.mu.Lock()
	_, ok := svc.cooldowns["dev-1"]
	svc.mu.Unlock()
	assert.False(t, ok)
}

func TestDetectChangesFlagsNewAndFailing(t *testing.T) {
	svc, _ := newResponderRig(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh, err := svc.store.CreatePattern(&v1.PromptPattern{
		PatternName: "fresh", ToolName: "a", Pattern: "x",
	})
	require.NoError(t, err)
	require.NoError(t, svc.store.RecordOccurrence(&v1.PromptOccurrence{
		PatternID: fresh.ID, SessionName: "s", Success: true,
	}))

	failing, err := svc.store.CreatePattern(&v1.PromptPattern{
		PatternName: "failing", ToolName: "a", Pattern: "y",
	})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, svc.store.RecordOccurrence(&v1.PromptOccurrence{
			PatternID:   failing.ID,
			SessionName: "s",
			Success:     i == 0,
			ObservedAt:  now.Add(-3 * time.Hour),
		}))
	}

	gone, err := svc.store.CreatePattern(&v1.PromptPattern{
		PatternName: "gone", ToolName: "a", Pattern: "z",
	})
	require.NoError(t, err)
	require.NoError(t, svc.store.RecordOccurrence(&v1.PromptOccurrence{
		PatternID: gone.ID, SessionName: "s", Success: true,
		ObservedAt: now.Add(-48 * time.Hour),
	}))

	svc.detectChanges(ctx)

	changes, err := svc.store.ListChanges(true, 10)
	require.NoError(t, err)
	byPattern := make(map[int64]string)
	for _, c := range changes {
		byPattern[c.PatternID] = c.ChangeType
	}
	assert.Equal(t, v1.ChangeNewPatternDetected, byPattern[fresh.ID])
	assert.Equal(t, v1.ChangeLowSuccessRate, byPattern[failing.ID])
	assert.Equal(t, v1.ChangePatternDisappeared, byPattern[gone.ID])

	// Re-running must not duplicate open changes.
	svc.detectChanges(ctx)
	again, err := svc.store.ListChanges(true, 10)
	require.NoError(t, err)
	assert.Len(t, again, len(changes))
}

func TestSingletonLock(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	dir := t.TempDir()
	locks, err := flock.NewManager(dir, log)
	require.NoError(t, err)

	first, err := locks.Acquire("prompt-responder", time.Second)
	require.NoError(t, err)
	defer func() { _ = locks.Release(first) }()

	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	store, err := NewPatternStore(conn)
	require.NoError(t, err)

	svc := NewService(store, tmux.NewFake(), bus.NewMemoryEventBus(log), locks,
		config.ResponderConfig{
			CheckIntervalMS:        500,
			CacheRefreshSeconds:    300,
			SessionCooldownSeconds: 3,
			TailLines:              15,
			LockName:               "prompt-responder",
		}, nil, log)
	err = svc.Start(context.Background())
	assert.Error(t, err)
}
