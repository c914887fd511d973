// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package autonomy

import "fmt"

// Level is one of five autonomy levels, inspired by autonomous driving:
//
//   - L0 (Manual): every tool call requires explicit human approval.
//   - L1 (Assisted): auto-handles routine/read-only actions, asks for anything novel.
//   - L2 (Supervised): acts freely on most tasks, sends periodic summaries.
//   - L3 (Autonomous): pursues goals independently, only escalates high-risk actions.
//   - L4 (FullAuto): fully self-directed within budget/scope constraints.
type Level int

const (
	LevelManual Level = iota
	LevelAssisted
	LevelSupervised
	LevelAutonomous
	LevelFullAuto
)

// LevelFromInt converts a numeric level, falling back to Assisted for
// out-of-range values.
func LevelFromInt(v int) Level {
	if v < int(LevelManual) || v > int(LevelFullAuto) {
		return LevelAssisted
	}
	return Level(v)
}

// AllowsAutonomousAction reports whether this level permits any action
// without explicit approval.
func (l Level) AllowsAutonomousAction() bool {
	return l >= LevelAssisted
}

// AllowsProactiveGoals reports whether this level supports proactive
// goal pursuit.
func (l Level) AllowsProactiveGoals() bool {
	return l >= LevelAutonomous
}

// AutoApproveThreshold returns the highest declared tool risk level this
// autonomy level auto-approves.
func (l Level) AutoApproveThreshold() int {
	switch l {
	case LevelManual:
		return 0 // nothing auto-approved
	case LevelAssisted:
		return 3 // read-only, low-risk
	case LevelSupervised:
		return 5 // moderate actions
	case LevelAutonomous:
		return 7 // most actions
	case LevelFullAuto:
		return 9 // nearly everything
	default:
		return 3
	}
}

// Description returns a human-readable summary of the level.
func (l Level) Description() string {
	switch l {
	case LevelManual:
		return "Every action requires approval"
	case LevelAssisted:
		return "Routine actions auto-approved, novel actions need approval"
	case LevelSupervised:
		return "Acts freely, sends periodic summaries"
	case LevelAutonomous:
		return "Pursues goals independently, escalates high-risk only"
	case LevelFullAuto:
		return "Fully self-directed within budget/scope constraints"
	default:
		return "Unknown"
	}
}

func (l Level) String() string {
	name := "Unknown"
	switch l {
	case LevelManual:
		name = "Manual"
	case LevelAssisted:
		name = "Assisted"
	case LevelSupervised:
		name = "Supervised"
	case LevelAutonomous:
		name = "Autonomous"
	case LevelFullAuto:
		name = "Full Auto"
	}
	return fmt.Sprintf("L%d (%s)", int(l), name)
}
