package task

// State is the lifecycle state of a supervised task.
type State string

const (
	StateRunning              State = "RUNNING"
	StateWaitingForPermission State = "WAITING_FOR_PERMISSION"
	StateCompleted            State = "COMPLETED"
	StateError                State = "ERROR"
	StateStopped              State = "STOPPED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are accepted.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateError, StateStopped:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StateRunning, StateWaitingForPermission, StateCompleted, StateError, StateStopped:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateRunning:              {StateWaitingForPermission, StateCompleted, StateError, StateStopped},
	StateWaitingForPermission: {StateRunning, StateCompleted, StateError, StateStopped},
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
