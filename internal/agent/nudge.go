package agent

import "strings"

// The nudge pushes back when the model stops with a short reply that
// never says the task is finished. Capped per session so a model that
// genuinely has nothing more to do cannot be looped forever.
const (
	defaultMaxNudges = 3
	nudgeTextLimit   = 500

	nudgeMessage = "You stopped without completing the task or explaining why. " +
		"If the task is finished, say so explicitly (for example 'task complete') and summarize the result. " +
		"Otherwise, continue working."
)

// completionSignals are case-insensitive substrings that count as an
// explicit "I'm finished" from the model.
var completionSignals = []string{
	"task complete",
	"task is complete",
	"completed successfully",
	"completed the task",
	"finished",
	"done",
	"all set",
	"nothing further",
	"no further action",
}

func hasCompletionSignal(text string) bool {
	lower := strings.ToLower(text)
	for _, signal := range completionSignals {
		if strings.Contains(lower, signal) {
			return true
		}
	}
	return false
}

// shouldNudge gates the nudge: enabled, under the cap, and the reply
// is short and carries no completion signal.
func (s *Session) shouldNudge(text string) bool {
	return s.opts.nudgeEnabled &&
		s.nudgeCount < s.opts.maxNudges &&
		len(text) < nudgeTextLimit &&
		!hasCompletionSignal(text)
}
