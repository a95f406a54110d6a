package v1

import "time"

// PatternType classifies what a prompt pattern recognizes.
type PatternType string

const (
	PatternTypePermissionPrompt PatternType = "permission_prompt"
	PatternTypeStatus           PatternType = "status"
	PatternTypeError            PatternType = "error"
)

// Pattern actions. SendKey actions use the form "send_key:K"; alerts use
// "alert:<kind>".
const (
	ActionSkip           = "skip"
	ActionWaitForOptions = "wait_for_options"
	ActionSendKeyPrefix  = "send_key:"
	ActionAlertPrefix    = "alert:"
)

// PromptPattern is a regex-addressed recognizer scoped to an assistant tool.
// Patterns are unique per (pattern_name, tool_name).
type PromptPattern struct {
	ID                  int64       `json:"id"`
	PatternName         string      `json:"pattern_name"`
	ToolName            string      `json:"tool_name"`
	Pattern             string      `json:"pattern"`
	PatternType         PatternType `json:"pattern_type"`
	Action              string      `json:"action"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	IsActive            bool        `json:"is_active"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// PromptOccurrence records a single observation of a pattern in a session
// capture.
type PromptOccurrence struct {
	ID          int64     `json:"id"`
	PatternID   int64     `json:"pattern_id"`
	SessionName string    `json:"session_name"`
	MatchedText string    `json:"matched_text"`
	Context     string    `json:"context,omitempty"`
	ActionTaken string    `json:"action_taken"`
	Success     bool      `json:"success"`
	ObservedAt  time.Time `json:"observed_at"`
}

// PatternTrend is an hourly aggregate of pattern occurrences.
type PatternTrend struct {
	PatternID   int64     `json:"pattern_id"`
	HourBucket  time.Time `json:"hour_bucket"`
	Occurrences int       `json:"occurrences"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
}

// Pattern change kinds produced by the trend detector.
const (
	ChangePatternDisappeared = "pattern_disappeared"
	ChangeLowSuccessRate     = "low_success_rate"
	ChangeNewPatternDetected = "new_pattern_detected"
)

// PatternChange is a detected shift in prompt behavior awaiting operator
// acknowledgement.
type PatternChange struct {
	ID           int64     `json:"id"`
	PatternID    int64     `json:"pattern_id"`
	ChangeType   string    `json:"change_type"`
	Detail       string    `json:"detail,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	DetectedAt   time.Time `json:"detected_at"`
}

// RiskLevel classifies the operation a confirmation prompt would approve.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)
