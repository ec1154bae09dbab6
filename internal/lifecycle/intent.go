package lifecycle

import "strings"

// IntentPattern maps free-text keywords to a candidate status.
type IntentPattern struct {
	Status   Status
	Keywords []string
}

// DefaultIntentPatterns is evaluated in order; completion words win over everything else.
var DefaultIntentPatterns = []IntentPattern{
	{Status: Done, Keywords: []string{"done", "finished", "completed", "complete", "shipped", "wrapped up"}},
	{Status: Cancelled, Keywords: []string{"cancel", "abandon", "won't do", "not doing", "drop it", "no longer needed"}},
	{Status: WaitingExternal, Keywords: []string{"waiting", "wait for", "awaiting", "pending reply", "heard back"}},
	{Status: Delegated, Keywords: []string{"delegate", "handed off", "hand off", "assigned to"}},
	{Status: Blocked, Keywords: []string{"blocked", "stuck", "can't proceed", "cannot proceed"}},
	{Status: NeedsDecision, Keywords: []string{"decide", "decision", "undecided", "choose between"}},
	{Status: NeedsReview, Keywords: []string{"review", "double check", "proofread"}},
	{Status: Scheduled, Keywords: []string{"schedule", "tomorrow", "next week", "calendar"}},
	{Status: InProgress, Keywords: []string{"started", "start", "working on", "begin", "in progress"}},
	{Status: Cooling, Keywords: []string{"pause", "on hold", "later", "cool off"}},
	{Status: Dormant, Keywords: []string{"someday", "shelve", "park it"}},
	{Status: Reactivated, Keywords: []string{"resume", "reopen", "revive", "pick up again"}},
	{Status: Clarifying, Keywords: []string{"clarify", "unclear", "figure out", "what exactly"}},
	{Status: Ready, Keywords: []string{"ready", "good to go"}},
}

// Estimator suggests a status from free text. The suggestion is advisory only.
type Estimator struct {
	Patterns []IntentPattern
}

// EstimateFromIntent runs the default patterns.
func EstimateFromIntent(current Status, text string) (Status, bool) {
	return Estimator{}.Estimate(current, text)
}

// Estimate returns the first matching status that is a valid, non-self transition from current.
func (e Estimator) Estimate(current Status, text string) (Status, bool) {
	patterns := e.Patterns
	if len(patterns) == 0 {
		patterns = DefaultIntentPatterns
	}
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return "", false
	}
	for _, p := range patterns {
		if p.Status == current || !IsValidTransition(current, p.Status) {
			continue
		}
		for _, kw := range p.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return p.Status, true
			}
		}
	}
	return "", false
}
