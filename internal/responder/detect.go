package responder

import (
	"math/rand"
	"regexp"
	"strings"
	"time"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// tailWindowLines is how much of the capture the matcher considers. Prompts
// render at the bottom of the pane; older output is scrollback noise.
const tailWindowLines = 15

// ansiEscape matches CSI, OSC, and simple two-byte escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)|\x1b[@-_]`)

// StripTerminalArtifacts removes ANSI escape sequences and Unicode
// box-drawing characters from a capture so regexes see plain text.
func StripTerminalArtifacts(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		// Box drawing (U+2500..U+257F) and block elements (U+2580..U+259F).
		if r >= 0x2500 && r <= 0x259F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TailWindow returns the last n non-empty-trimmed lines of a capture,
// joined back together.
func TailWindow(capture string, n int) string {
	if n <= 0 {
		n = tailWindowLines
	}
	lines := strings.Split(capture, "\n")
	// Drop trailing blank lines so the window holds real content.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return strings.Join(lines[start:end], "\n")
}

// Option-line shapes for the built-in heuristic. Assistant TUIs render
// numbered choices, sometimes with a selection caret.
var (
	optionOneRe = regexp.MustCompile(`(?m)^\s*[❯>]?\s*1[.)]\s+Yes`)
	optionTwoRe = regexp.MustCompile(`(?m)^\s*[❯>]?\s*2[.)]\s+(Yes|No)`)
)

// cancelHints must appear near the options for the heuristic to trust that a
// real confirmation dialog is on screen.
var cancelHints = []string{"esc to cancel", "tab to amend"}

// heuristicBusyTokens veto the heuristic: if the assistant is mid-operation
// the numbered lines are probably stale scrollback.
var heuristicBusyTokens = []string{
	"thinking", "running", "searching", "executing",
	"analyzing", "processing", "loading", "fetching",
}

// riskKeywords maps operation keywords found in the prompt body to risk.
// High wins over medium wins over low when several match.
var riskKeywords = map[v1.RiskLevel][]string{
	v1.RiskHigh:   {"write", "bash", "execute", "delete"},
	v1.RiskMedium: {"edit", "patch", "accept"},
	v1.RiskLow:    {"read", "grep", "glob", "list", "search"},
}

// Detection is the outcome of scanning one session window.
type Detection struct {
	// Pattern is set when a cached pattern matched; nil for heuristic hits.
	Pattern *v1.PromptPattern
	// Action is the resolved action string (skip, send_key:K, alert:kind).
	Action string
	// Key is the keystroke to inject for send_key actions.
	Key string
	// Risk drives the pre-injection delay.
	Risk v1.RiskLevel
	// MatchedText is the text the pattern or heuristic matched on.
	MatchedText string
}

// Confirm reports whether the detection calls for keystroke injection.
func (d *Detection) Confirm() bool {
	return d != nil && strings.HasPrefix(d.Action, v1.ActionSendKeyPrefix)
}

// Detect runs the detection pipeline over a cleaned tail window: cached
// patterns first, then the built-in heuristic. A nil result means no action.
func Detect(window string, patterns []*compiledPattern) *Detection {
	for _, cp := range patterns {
		loc := cp.Regex.FindString(window)
		if loc == "" {
			continue
		}
		d := &Detection{
			Pattern:     cp.Pattern,
			Action:      cp.Pattern.Action,
			MatchedText: loc,
		}
		switch {
		case d.Action == v1.ActionSkip, d.Action == v1.ActionWaitForOptions:
			return d
		case strings.HasPrefix(d.Action, v1.ActionSendKeyPrefix):
			d.Key = strings.TrimPrefix(d.Action, v1.ActionSendKeyPrefix)
			d.Risk = ClassifyRisk(window)
			return d
		case strings.HasPrefix(d.Action, v1.ActionAlertPrefix):
			return d
		default:
			// Unknown action strings are treated as skip.
			return d
		}
	}
	return detectHeuristic(window)
}

// detectHeuristic recognizes the common numbered-option confirmation dialog
// without a stored pattern. It demands both option shapes, a cancel hint,
// and a window free of busy indicators.
func detectHeuristic(window string) *Detection {
	one := optionOneRe.FindString(window)
	if one == "" || !optionTwoRe.MatchString(window) {
		return nil
	}

	lower := strings.ToLower(window)
	hasCancel := false
	for _, hint := range cancelHints {
		if strings.Contains(lower, hint) {
			hasCancel = true
			break
		}
	}
	if !hasCancel {
		return nil
	}
	for _, tok := range heuristicBusyTokens {
		if strings.Contains(lower, tok) {
			return nil
		}
	}

	return &Detection{
		Action:      v1.ActionSendKeyPrefix + "1",
		Key:         "1",
		Risk:        ClassifyRisk(window),
		MatchedText: strings.TrimSpace(one),
	}
}

// ClassifyRisk scans the window for operation keywords. The highest risk
// tier with a hit wins; no hit defaults to medium.
func ClassifyRisk(window string) v1.RiskLevel {
	lower := strings.ToLower(window)
	for _, level := range []v1.RiskLevel{v1.RiskHigh, v1.RiskMedium, v1.RiskLow} {
		for _, kw := range riskKeywords[level] {
			if strings.Contains(lower, kw) {
				return level
			}
		}
	}
	return v1.RiskMedium
}

// Delay windows per risk tier, in milliseconds.
var delayWindows = map[v1.RiskLevel][2]int{
	v1.RiskLow:    {50, 200},
	v1.RiskMedium: {300, 600},
	v1.RiskHigh:   {800, 1200},
}

// DelayFor returns a uniformly random delay within the risk tier's window.
func DelayFor(risk v1.RiskLevel) time.Duration {
	w, ok := delayWindows[risk]
	if !ok {
		w = delayWindows[v1.RiskMedium]
	}
	ms := w[0] + rand.Intn(w[1]-w[0]+1)
	return time.Duration(ms) * time.Millisecond
}
