package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states. A plugin moves unstarted -> starting -> started ->
// stopping -> stopped, and may be started again once stopped.
const (
	StateUnstarted State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanStart reports whether a plugin in state s may be started.
func (s State) CanStart() bool {
	return s == StateUnstarted || s == StateStopped
}
