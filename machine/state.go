package machine

// State is the lifecycle state of a virtual machine.
type State uint8

const (
	Created State = iota
	Running
	Paused
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	}

	return "unknown"
}

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == Stopped || s == Crashed
}
