package responder

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devplane/devplane/internal/db"
	v1 "github.com/devplane/devplane/pkg/api/v1"
)

var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrPatternExists   = errors.New("pattern already exists for tool")
	ErrChangeNotFound  = errors.New("pattern change not found")
)

// PatternStore persists prompt patterns, their observed occurrences, hourly
// trend aggregates, and detected behavior changes. It lives in its own
// database file, separate from task storage.
type PatternStore struct {
	conn *sqlx.DB
}

// OpenPatternStore opens (and if needed creates) the pattern database at path.
func OpenPatternStore(path string, busyTimeoutSeconds int) (*PatternStore, error) {
	conn, err := db.OpenSQLite(path, busyTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	return NewPatternStore(conn)
}

// NewPatternStore wraps an existing connection, initializing the schema.
func NewPatternStore(conn *sqlx.DB) (*PatternStore, error) {
	s := &PatternStore{conn: conn}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pattern schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PatternStore) Close() error { return s.conn.Close() }

func (s *PatternStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prompt_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_name TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			pattern TEXT NOT NULL,
			pattern_type TEXT NOT NULL DEFAULT 'permission_prompt',
			action TEXT NOT NULL DEFAULT 'skip',
			confidence_threshold REAL NOT NULL DEFAULT 0.8,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(pattern_name, tool_name)
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_occurrences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_id INTEGER NOT NULL,
			session_name TEXT NOT NULL,
			matched_text TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			action_taken TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 1,
			observed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_trends (
			pattern_id INTEGER NOT NULL,
			hour_bucket TEXT NOT NULL,
			occurrences INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pattern_id, hour_bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern_id INTEGER NOT NULL,
			change_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			acknowledged INTEGER NOT NULL DEFAULT 0,
			detected_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_pattern ON prompt_occurrences(pattern_id, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_session ON prompt_occurrences(session_name, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_tool ON prompt_patterns(tool_name, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_ack ON pattern_changes(acknowledged, detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type patternRow struct {
	ID                  int64   `db:"id"`
	PatternName         string  `db:"pattern_name"`
	ToolName            string  `db:"tool_name"`
	Pattern             string  `db:"pattern"`
	PatternType         string  `db:"pattern_type"`
	Action              string  `db:"action"`
	ConfidenceThreshold float64 `db:"confidence_threshold"`
	IsActive            bool    `db:"is_active"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
}

func (r *patternRow) toPattern() *v1.PromptPattern {
	return &v1.PromptPattern{
		ID:                  r.ID,
		PatternName:         r.PatternName,
		ToolName:            r.ToolName,
		Pattern:             r.Pattern,
		PatternType:         v1.PatternType(r.PatternType),
		Action:              r.Action,
		ConfidenceThreshold: r.ConfidenceThreshold,
		IsActive:            r.IsActive,
		CreatedAt:           parseStamp(r.CreatedAt),
		UpdatedAt:           parseStamp(r.UpdatedAt),
	}
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// CreatePattern inserts a new pattern. The (pattern_name, tool_name) pair
// must be unique.
func (s *PatternStore) CreatePattern(p *v1.PromptPattern) (*v1.PromptPattern, error) {
	var exists int
	err := s.conn.Get(&exists, `SELECT COUNT(*) FROM prompt_patterns WHERE pattern_name = ? AND tool_name = ?`,
		p.PatternName, p.ToolName)
	if err != nil {
		return nil, fmt.Errorf("failed to check pattern: %w", err)
	}
	if exists > 0 {
		return nil, ErrPatternExists
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if p.PatternType == "" {
		p.PatternType = v1.PatternTypePermissionPrompt
	}
	if p.Action == "" {
		p.Action = v1.ActionSkip
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = 0.8
	}
	res, err := s.conn.Exec(`
		INSERT INTO prompt_patterns (pattern_name, tool_name, pattern, pattern_type, action, confidence_threshold, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		p.PatternName, p.ToolName, p.Pattern, string(p.PatternType), p.Action,
		p.ConfidenceThreshold, stamp(now), stamp(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetPattern(id)
}

// GetPattern returns a pattern by id.
func (s *PatternStore) GetPattern(id int64) (*v1.PromptPattern, error) {
	var row patternRow
	err := s.conn.Get(&row, `SELECT * FROM prompt_patterns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return row.toPattern(), nil
}

// ListPatterns returns patterns, optionally filtered by tool and activity.
func (s *PatternStore) ListPatterns(toolName string, activeOnly bool) ([]*v1.PromptPattern, error) {
	query := `SELECT * FROM prompt_patterns WHERE 1=1`
	var args []interface{}
	if toolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY tool_name, pattern_name`

	var rows []patternRow
	if err := s.conn.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	out := make([]*v1.PromptPattern, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toPattern())
	}
	return out, nil
}

// UpdatePattern updates a pattern's regex, action, threshold, and activity.
func (s *PatternStore) UpdatePattern(id int64, p *v1.PromptPattern) (*v1.PromptPattern, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.conn.Exec(`
		UPDATE prompt_patterns
		SET pattern = ?, pattern_type = ?, action = ?, confidence_threshold = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		p.Pattern, string(p.PatternType), p.Action, p.ConfidenceThreshold, p.IsActive, stamp(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrPatternNotFound
	}
	return s.GetPattern(id)
}

// DeactivatePattern soft-disables a pattern. Occurrence history is kept.
func (s *PatternStore) DeactivatePattern(id int64) error {
	res, err := s.conn.Exec(`UPDATE prompt_patterns SET is_active = 0, updated_at = ? WHERE id = ?`,
		stamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// RecordOccurrence logs one observation and folds it into the hourly trend
// bucket.
func (s *PatternStore) RecordOccurrence(o *v1.PromptOccurrence) error {
	if o.ObservedAt.IsZero() {
		o.ObservedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.conn.Exec(`
		INSERT INTO prompt_occurrences (pattern_id, session_name, matched_text, context, action_taken, success, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.PatternID, o.SessionName, o.MatchedText, o.Context, o.ActionTaken, o.Success, stamp(o.ObservedAt))
	if err != nil {
		return fmt.Errorf("failed to record occurrence: %w", err)
	}
	o.ID, _ = res.LastInsertId()

	bucket := o.ObservedAt.UTC().Truncate(time.Hour)
	succ, fail := 0, 0
	if o.Success {
		succ = 1
	} else {
		fail = 1
	}
	_, err = s.conn.Exec(`
		INSERT INTO pattern_trends (pattern_id, hour_bucket, occurrences, successes, failures)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(pattern_id, hour_bucket) DO UPDATE SET
			occurrences = occurrences + 1,
			successes = successes + excluded.successes,
			failures = failures + excluded.failures`,
		o.PatternID, stamp(bucket), succ, fail)
	if err != nil {
		return fmt.Errorf("failed to update trend: %w", err)
	}
	return nil
}

type occurrenceRow struct {
	ID          int64  `db:"id"`
	PatternID   int64  `db:"pattern_id"`
	SessionName string `db:"session_name"`
	MatchedText string `db:"matched_text"`
	Context     string `db:"context"`
	ActionTaken string `db:"action_taken"`
	Success     bool   `db:"success"`
	ObservedAt  string `db:"observed_at"`
}

// ListOccurrences returns a pattern's most recent observations.
func (s *PatternStore) ListOccurrences(patternID int64, limit int) ([]*v1.PromptOccurrence, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []occurrenceRow
	err := s.conn.Select(&rows, `
		SELECT * FROM prompt_occurrences WHERE pattern_id = ?
		ORDER BY observed_at DESC, id DESC LIMIT ?`, patternID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	out := make([]*v1.PromptOccurrence, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.PromptOccurrence{
			ID:          r.ID,
			PatternID:   r.PatternID,
			SessionName: r.SessionName,
			MatchedText: r.MatchedText,
			Context:     r.Context,
			ActionTaken: r.ActionTaken,
			Success:     r.Success,
			ObservedAt:  parseStamp(r.ObservedAt),
		})
	}
	return out, nil
}

// Trends returns a pattern's hourly buckets since a cutoff, oldest first.
func (s *PatternStore) Trends(patternID int64, since time.Time) ([]*v1.PatternTrend, error) {
	type trendRow struct {
		PatternID   int64  `db:"pattern_id"`
		HourBucket  string `db:"hour_bucket"`
		Occurrences int    `db:"occurrences"`
		Successes   int    `db:"successes"`
		Failures    int    `db:"failures"`
	}
	var rows []trendRow
	err := s.conn.Select(&rows, `
		SELECT * FROM pattern_trends WHERE pattern_id = ? AND hour_bucket >= ?
		ORDER BY hour_bucket ASC`, patternID, stamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list trends: %w", err)
	}
	out := make([]*v1.PatternTrend, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.PatternTrend{
			PatternID:   r.PatternID,
			HourBucket:  parseStamp(r.HourBucket),
			Occurrences: r.Occurrences,
			Successes:   r.Successes,
			Failures:    r.Failures,
		})
	}
	return out, nil
}

// patternStats is the per-pattern aggregate the change detector consumes.
type patternStats struct {
	PatternID   int64
	Total       int
	Recent      int
	RecentOK    int
	FirstSeen   time.Time
	LastSeen    time.Time
	HasPrevious bool
}

func (s *PatternStore) statsFor(patternID int64, now time.Time) (*patternStats, error) {
	var agg struct {
		Total int            `db:"total"`
		First sql.NullString `db:"first_seen"`
		Last  sql.NullString `db:"last_seen"`
	}
	err := s.conn.Get(&agg, `
		SELECT COUNT(*) AS total, MIN(observed_at) AS first_seen, MAX(observed_at) AS last_seen
		FROM prompt_occurrences WHERE pattern_id = ?`, patternID)
	if err != nil {
		return nil, err
	}

	dayAgo := stamp(now.Add(-24 * time.Hour))
	var recent struct {
		N  int `db:"n"`
		OK int `db:"ok"`
	}
	err = s.conn.Get(&recent, `
		SELECT COUNT(*) AS n, COALESCE(SUM(success), 0) AS ok
		FROM prompt_occurrences WHERE pattern_id = ? AND observed_at >= ?`, patternID, dayAgo)
	if err != nil {
		return nil, err
	}

	st := &patternStats{
		PatternID: patternID,
		Total:     agg.Total,
		Recent:    recent.N,
		RecentOK:  recent.OK,
	}
	if agg.First.Valid {
		st.FirstSeen = parseStamp(agg.First.String)
	}
	if agg.Last.Valid {
		st.LastSeen = parseStamp(agg.Last.String)
	}
	st.HasPrevious = agg.Total > recent.N
	return st, nil
}

// RecordChange logs a detected behavior change, unacknowledged.
func (s *PatternStore) RecordChange(patternID int64, changeType, detail string) (*v1.PatternChange, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.conn.Exec(`
		INSERT INTO pattern_changes (pattern_id, change_type, detail, acknowledged, detected_at)
		VALUES (?, ?, ?, 0, ?)`, patternID, changeType, detail, stamp(now))
	if err != nil {
		return nil, fmt.Errorf("failed to record change: %w", err)
	}
	id, _ := res.LastInsertId()
	return &v1.PatternChange{
		ID:         id,
		PatternID:  patternID,
		ChangeType: changeType,
		Detail:     detail,
		DetectedAt: now,
	}, nil
}

type changeRow struct {
	ID           int64  `db:"id"`
	PatternID    int64  `db:"pattern_id"`
	ChangeType   string `db:"change_type"`
	Detail       string `db:"detail"`
	Acknowledged bool   `db:"acknowledged"`
	DetectedAt   string `db:"detected_at"`
}

// ListChanges returns changes, newest first. With unackedOnly only changes
// awaiting operator review are returned.
func (s *PatternStore) ListChanges(unackedOnly bool, limit int) ([]*v1.PatternChange, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM pattern_changes`
	if unackedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`

	var rows []changeRow
	if err := s.conn.Select(&rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	out := make([]*v1.PatternChange, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.PatternChange{
			ID:           r.ID,
			PatternID:    r.PatternID,
			ChangeType:   r.ChangeType,
			Detail:       r.Detail,
			Acknowledged: r.Acknowledged,
			DetectedAt:   parseStamp(r.DetectedAt),
		})
	}
	return out, nil
}

// AcknowledgeChange marks a change as reviewed.
func (s *PatternStore) AcknowledgeChange(id int64) error {
	res, err := s.conn.Exec(`UPDATE pattern_changes SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChangeNotFound
	}
	return nil
}

// hasOpenChange reports whether an unacknowledged change of the given type
// already exists for a pattern. The detector uses this to avoid duplicates.
func (s *PatternStore) hasOpenChange(patternID int64, changeType string) (bool, error) {
	var n int
	err := s.conn.Get(&n, `
		SELECT COUNT(*) FROM pattern_changes
		WHERE pattern_id = ? AND change_type = ? AND acknowledged = 0`, patternID, changeType)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
