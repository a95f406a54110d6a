package responder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/devplane/internal/db"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

func newTestPatternStore(t *testing.T) *PatternStore {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewPatternStore(conn)
	require.NoError(t, err)
	return store
}

func newPattern(t *testing.T, store *PatternStore, name, tool, action string) *v1.PromptPattern {
	t.Helper()
	p, err := store.CreatePattern(&v1.PromptPattern{
		PatternName: name,
		ToolName:    tool,
		Pattern:     `Do you want to proceed\?`,
		Action:      action,
	})
	require.NoError(t, err)
	return p
}

func TestCreateAndGetPattern(t *testing.T) {
	store := newTestPatternStore(t)
	p := newPattern(t, store, "proceed", "assistant", v1.ActionSendKeyPrefix+"1")

	assert.NotZero(t, p.ID)
	assert.Equal(t, v1.PatternTypePermissionPrompt, p.PatternType)
	assert.Equal(t, 0.8, p.ConfidenceThreshold)
	assert.True(t, p.IsActive)

	got, err := store.GetPattern(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "proceed", got.PatternName)
}

func TestDuplicatePatternRejected(t *testing.T) {
	store := newTestPatternStore(t)
	newPattern(t, store, "proceed", "assistant", v1.ActionSkip)

	_, err := store.CreatePattern(&v1.PromptPattern{
		PatternName: "proceed",
		ToolName:    "assistant",
		Pattern:     "x",
	})
	assert.ErrorIs(t, err, ErrPatternExists)

	// Same name under another tool is fine.
	_, err = store.CreatePattern(&v1.PromptPattern{
		PatternName: "proceed",
		ToolName:    "other",
		Pattern:     "x",
	})
	assert.NoError(t, err)
}

func TestListPatternsFilters(t *testing.T) {
	store := newTestPatternStore(t)
	a := newPattern(t, store, "a", "assistant", v1.ActionSkip)
	newPattern(t, store, "b", "other", v1.ActionSkip)
	require.NoError(t, store.DeactivatePattern(a.ID))

	all, err := store.ListPatterns("", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListPatterns("", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].PatternName)

	scoped, err := store.ListPatterns("assistant", false)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a", scoped[0].PatternName)
}

func TestUpdatePattern(t *testing.T) {
	store := newTestPatternStore(t)
	p := newPattern(t, store, "proceed", "assistant", v1.ActionSkip)

	p.Action = v1.ActionSendKeyPrefix + "1"
	p.ConfidenceThreshold = 0.9
	updated, err := store.UpdatePattern(p.ID, p)
	require.NoError(t, err)
	assert.Equal(t, "send_key:1", updated.Action)
	assert.Equal(t, 0.9, updated.ConfidenceThreshold)

	_, err = store.UpdatePattern(9999, p)
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestRecordOccurrenceUpdatesTrend(t *testing.T) {
	store := newTestPatternStore(t)
	p := newPattern(t, store, "proceed", "assistant", v1.ActionSendKeyPrefix+"1")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordOccurrence(&v1.PromptOccurrence{
			PatternID:   p.ID,
			SessionName: "dev-1",
			MatchedText: "Do you want to proceed?",
			ActionTaken: "send_key:1",
			Success:     i != 2,
		}))
	}

	occ, err := store.ListOccurrences(p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 3)

	trends, err := store.Trends(p.ID, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, 3, trends[0].Occurrences)
	assert.Equal(t, 2, trends[0].Successes)
	assert.Equal(t, 1, trends[0].Failures)
}

func TestChangesLifecycle(t *testing.T) {
	store := newTestPatternStore(t)
	p := newPattern(t, store, "proceed", "assistant", v1.ActionSkip)

	change, err := store.RecordChange(p.ID, v1.ChangeNewPatternDetected, "first seen")
	require.NoError(t, err)
	assert.False(t, change.Acknowledged)

	open, err := store.hasOpenChange(p.ID, v1.ChangeNewPatternDetected)
	require.NoError(t, err)
	assert.True(t, open)

	unacked, err := store.ListChanges(true, 10)
	require.NoError(t, err)
	require.Len(t, unacked, 1)

	require.NoError(t, store.AcknowledgeChange(change.ID))
	unacked, err = store.ListChanges(true, 10)
	require.NoError(t, err)
	assert.Empty(t, unacked)

	open, err = store.hasOpenChange(p.ID, v1.ChangeNewPatternDetected)
	require.NoError(t, err)
	assert.False(t, open)

	assert.ErrorIs(t, store.AcknowledgeChange(9999), ErrChangeNotFound)
}

func TestStatsFor(t *testing.T) {
	store := newTestPatternStore(t)
	p := newPattern(t, store, "proceed", "assistant", v1.ActionSkip)
	now := time.Now().UTC()

	// Two old occurrences, one recent failure.
	for _, obs := range []struct {
		at time.Time
		ok bool
	}{
		{now.Add(-48 * time.Hour), true},
		{now.Add(-30 * time.Hour), true},
		{now.Add(-1 * time.Hour), false},
	} {
		require.NoError(t, store.RecordOccurrence(&v1.PromptOccurrence{
			PatternID:   p.ID,
			SessionName: "dev-1",
			Success:     obs.ok,
			ObservedAt:  obs.at,
		}))
	}

	st, err := store.statsFor(p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Recent)
	assert.Equal(t, 0, st.RecentOK)
	assert.True(t, st.HasPrevious)
	assert.WithinDuration(t, now.Add(-48*time.Hour), st.FirstSeen, time.Second)
}
