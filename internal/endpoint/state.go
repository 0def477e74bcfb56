package endpoint

import "sync/atomic"

// State is the lifecycle position of one client connection
type State int32

const (
	StatePendingAuth State = iota
	StateRegistered
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePendingAuth:
		return "PENDING_AUTH"
	case StateRegistered:
		return "REGISTERED"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// stateMachine only moves forward: PENDING_AUTH -> REGISTERED -> TERMINATED,
// or PENDING_AUTH -> TERMINATED
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State { return State(m.v.Load()) }

// register moves PENDING_AUTH to REGISTERED and reports whether it did
func (m *stateMachine) register() bool {
	return m.v.CompareAndSwap(int32(StatePendingAuth), int32(StateRegistered))
}

// terminate moves to TERMINATED and returns the state it left. Only the
// first call returns something other than StateTerminated.
func (m *stateMachine) terminate() State {
	return State(m.v.Swap(int32(StateTerminated)))
}
