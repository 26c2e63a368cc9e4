package orchestrator

// State is a step of the retry state machine.
type State int

const (
	StateIdle State = iota
	StateCompiling
	StateBuildSucceeded
	StateBuildFailed
	StateAnalyzingErrors
	StateRequestingFix
	StateApplyingFix
	StateFallbackBuild
	StateVerifying
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateCompiling:       "compiling",
	StateBuildSucceeded:  "build_succeeded",
	StateBuildFailed:     "build_failed",
	StateAnalyzingErrors: "analyzing_errors",
	StateRequestingFix:   "requesting_fix",
	StateApplyingFix:     "applying_fix",
	StateFallbackBuild:   "fallback_build",
	StateVerifying:       "verifying",
	StateSucceeded:       "succeeded",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the run ends in s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition reports whether the machine may move from one state to
// another. Every non-terminal state may fail.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}

	switch from {
	case StateIdle:
		return to == StateCompiling
	case StateCompiling:
		return to == StateBuildSucceeded || to == StateBuildFailed
	case StateBuildSucceeded:
		return to == StateVerifying
	case StateBuildFailed:
		return to == StateAnalyzingErrors || to == StateFallbackBuild
	case StateAnalyzingErrors:
		return to == StateRequestingFix
	case StateRequestingFix:
		// A failed fix request ends the iteration
		return to == StateApplyingFix || to == StateAnalyzingErrors || to == StateFallbackBuild
	case StateApplyingFix:
		// Nothing changed: skip the rebuild
		return to == StateCompiling || to == StateAnalyzingErrors || to == StateFallbackBuild
	case StateFallbackBuild:
		return to == StateVerifying
	case StateVerifying:
		return to == StateSucceeded || to == StateFallbackBuild
	case StateSucceeded, StateFailed:
		return false
	default:
		return false
	}
}
