package dispatcher

import "strings"

// promptMarkers are line endings that indicate a shell or assistant waiting
// for input.
var promptMarkers = []string{">", "$", "#", "%", "❯", "›"}

// busyTokens mark a session as actively working regardless of the prompt.
var busyTokens = []string{
	"Thinking", "Analyzing", "Processing", "Running", "…", "Task",
}

// Activity is one sampled observation of a session's output.
type Activity struct {
	Idle bool
	Busy bool
}

// DetectActivity classifies a pane capture. A session is idle when its last
// non-empty line ends in a prompt marker and no busy token appears anywhere
// in the capture; it is busy otherwise. An empty capture is neither.
func DetectActivity(capture string) Activity {
	lines := strings.Split(capture, "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimRight(lines[i], " \t\r"); trimmed != "" {
			last = trimmed
			break
		}
	}
	if last == "" {
		return Activity{}
	}

	for _, token := range busyTokens {
		if strings.Contains(capture, token) {
			return Activity{Busy: true}
		}
	}
	for _, marker := range promptMarkers {
		if strings.HasSuffix(last, marker) {
			return Activity{Idle: true}
		}
	}
	return Activity{Busy: true}
}
