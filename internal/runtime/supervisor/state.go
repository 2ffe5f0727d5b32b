package supervisor

// State is a run loop state.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnected
	StateTicking
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateTicking:
		return "ticking"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
