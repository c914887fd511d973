// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talon-dev/talon/internal/agent"
)

// pad lengthens text past the detector's minimum without adding any
// trigger phrases.
func pad(text string) string {
	return text + strings.Repeat(" The implementation details follow below.", 4)
}

func TestPhraseDetectorShortTextNeverFlagged(t *testing.T) {
	d := agent.NewPhraseDetector()
	assert.False(t, d.IsLazyStop("you can customize and feel free to", 10))
}

func TestPhraseDetectorCompletionSignalWins(t *testing.T) {
	d := agent.NewPhraseDetector()
	text := pad("The project is complete. You can customize the colors, feel free to adjust the layout.")
	assert.False(t, d.IsLazyStop(text, 10))
}

func TestPhraseDetectorDeferralThreshold(t *testing.T) {
	d := agent.NewPhraseDetector()

	tests := []struct {
		name      string
		text      string
		iteration int
		want      bool
	}{
		{
			name:      "two deferrals mid run",
			text:      pad("You can customize the theme. Feel free to add more pages."),
			iteration: 6,
			want:      true,
		},
		{
			name:      "one deferral mid run",
			text:      pad("You can customize the theme later if you want."),
			iteration: 6,
			want:      false,
		},
		{
			name:      "two deferrals late run below raised threshold",
			text:      pad("You can customize the theme. Feel free to add more pages."),
			iteration: 9,
			want:      false,
		},
		{
			name:      "three deferrals late run",
			text:      pad("You can customize it. Feel free to extend it. You'll need to wire the database."),
			iteration: 9,
			want:      true,
		},
		{
			name:      "no deferrals",
			text:      pad("I wrote the parser and the test suite; output attached."),
			iteration: 6,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsLazyStop(tt.text, tt.iteration))
		})
	}
}

func TestPhraseDetectorScaffoldingEarlyRun(t *testing.T) {
	d := agent.NewPhraseDetector()
	text := pad("The project has been set up. You can customize the configuration as needed.")

	// One deferral alongside scaffolding language flags early, but the
	// same text survives once the run is past the setup phase.
	assert.True(t, d.IsLazyStop(text, 2))
	assert.False(t, d.IsLazyStop(text, 6))
}

func TestPhraseDetectorCustomPhrases(t *testing.T) {
	d := &agent.PhraseDetector{
		DeferralPhrases: []string{"left for later"},
		MinLength:       10,
	}
	assert.False(t, d.IsLazyStop("this part is left for later today", 6))

	d.DeferralPhrases = []string{"left for later", "someday"}
	assert.True(t, d.IsLazyStop("left for later, someday you will finish", 6))
}

func TestDisabledDetector(t *testing.T) {
	text := pad("You can customize it. Feel free to extend it. You'll need to finish.")
	assert.False(t, agent.Disabled{}.IsLazyStop(text, 6))
}
