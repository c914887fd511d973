// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

import "strings"

// StopDetector decides whether an assistant turn that ended without tool
// calls actually finished the task, or stopped early while deferring the
// remaining work to the user.
type StopDetector interface {
	// IsLazyStop reports whether text looks like a premature stop given
	// the current loop iteration.
	IsLazyStop(text string, iteration int) bool
}

// Disabled never flags a stop. Used when the nudge behavior is turned
// off in config.
type Disabled struct{}

func (Disabled) IsLazyStop(string, int) bool { return false }

// defaultCompletionSignals short-circuit detection: if the model claims
// completion explicitly, take it at its word.
var defaultCompletionSignals = []string{
	"all files created",
	"project is complete",
	"everything is set up and working",
	"all done",
	"finished creating all",
	"built the complete",
	"full implementation",
	"all components created",
	"fully functional",
	"here's what i built",
	"here is what i built",
	"i've created all",
	"i have created all",
	"task complete",
}

// defaultDeferralPhrases indicate the model is handing work back
// instead of doing it.
var defaultDeferralPhrases = []string{
	"you can customize",
	"you can further",
	"you can modify",
	"you can adjust",
	"you can extend",
	"you can add more",
	"feel free to",
	"i'll leave",
	"left as an exercise",
	"up to you to",
	"you'll need to",
	"you should create",
	"you would need to",
	"the remaining",
	"repeat this for",
	"do the same for",
	"continue this pattern",
	"follow the same pattern",
	"and so on for",
}

// defaultScaffoldingPhrases mark a turn that only set up a project
// skeleton. Early in a run, scaffolding plus a single deferral is
// already a premature stop.
var defaultScaffoldingPhrases = []string{
	"has been set up",
	"is now set up",
	"successfully set up",
	"ready for development",
	"you can start developing",
	"you can start building",
	"you can now start",
}

// PhraseDetector flags lazy stops by counting deferral phrases in the
// final assistant text. The phrase sets and thresholds are overridable;
// zero values fall back to the defaults.
type PhraseDetector struct {
	// CompletionSignals suppress detection entirely when present.
	CompletionSignals []string
	// DeferralPhrases are counted toward the threshold.
	DeferralPhrases []string
	// ScaffoldingPhrases trigger early-iteration detection.
	ScaffoldingPhrases []string
	// MinLength is the shortest text considered; shorter replies are
	// likely intermediate and never flagged. Default 100.
	MinLength int
}

// NewPhraseDetector returns a detector with the default phrase sets.
func NewPhraseDetector() *PhraseDetector {
	return &PhraseDetector{}
}

func (d *PhraseDetector) IsLazyStop(text string, iteration int) bool {
	minLen := d.MinLength
	if minLen <= 0 {
		minLen = 100
	}
	if len(text) < minLen {
		return false
	}

	lower := strings.ToLower(text)

	for _, signal := range orDefault(d.CompletionSignals, defaultCompletionSignals) {
		if strings.Contains(lower, signal) {
			return false
		}
	}

	deferrals := 0
	for _, phrase := range orDefault(d.DeferralPhrases, defaultDeferralPhrases) {
		if strings.Contains(lower, phrase) {
			deferrals++
		}
	}

	// Scaffolding-only turns early in the run count as lazy with just
	// one deferral; the model set up a skeleton and stopped.
	if iteration < 5 {
		for _, phrase := range orDefault(d.ScaffoldingPhrases, defaultScaffoldingPhrases) {
			if strings.Contains(lower, phrase) && deferrals >= 1 {
				return true
			}
		}
	}

	// Later iterations have earned more benefit of the doubt.
	threshold := 2
	if iteration >= 8 {
		threshold = 3
	}
	return deferrals >= threshold
}

func orDefault(set, fallback []string) []string {
	if len(set) > 0 {
		return set
	}
	return fallback
}
