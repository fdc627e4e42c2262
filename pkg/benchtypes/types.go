package benchtypes

// Mode selects how measurement iterations are performed.
type Mode int

const (
	// ModeNoWarmup invokes the measured process once per iteration to capture cold-start cost.
	ModeNoWarmup Mode = iota
	// ModeWarmup runs every iteration inside one invocation of the measured process.
	ModeWarmup
)

// String returns the path segment used for the mode in the results tree.
func (m Mode) String() string {
	if m == ModeWarmup {
		return "warmup"
	}
	return "no-warmup"
}

// ParseMode converts a results path segment back to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "warmup":
		return ModeWarmup, true
	case "no-warmup":
		return ModeNoWarmup, true
	default:
		return ModeNoWarmup, false
	}
}

// State represents the lifecycle position of a scenario inside the measurement engine.
type State int

const (
	// StateIdle - Engine constructed, nothing built yet
	StateIdle State = iota
	// StateBuilt - Artifact compiled and source staged
	StateBuilt
	// StateMeasuring - A measured process is running
	StateMeasuring
	// StateVerified - The last measurement's output matched the expected output
	StateVerified
	// StateCleaned - Artifact and staged files removed
	StateCleaned
)

// String returns a human-readable representation of the engine state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuilt:
		return "Built"
	case StateMeasuring:
		return "Measuring"
	case StateVerified:
		return "Verified"
	case StateCleaned:
		return "Cleaned"
	default:
		return "Unknown"
	}
}
