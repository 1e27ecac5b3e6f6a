package scheduler

import "fmt"

// State is one node's position in its run lifecycle.
type State string

const (
	// StatePending nodes are waiting on prerequisites.
	StatePending State = "pending"
	// StateReady nodes have every prerequisite in a successful terminal
	// state and are queued for dispatch.
	StateReady State = "ready"
	// StateRunning nodes are executing (or replaying from cache).
	StateRunning State = "running"
	// StateCached nodes were satisfied by a cache hit.
	StateCached State = "cached"
	// StateExecuted nodes ran their command successfully.
	StateExecuted State = "executed"
	// StateFailed nodes exhausted their attempt: non-zero exit, timeout, or
	// an unrecoverable per-node error.
	StateFailed State = "failed"
	// StateSkipped nodes were never dispatched because of an upstream
	// failure or a stopped run.
	StateSkipped State = "skipped"
	// StateStarted marks persistent nodes whose process launched; they are
	// terminal for scheduling even though the process keeps running.
	StateStarted State = "started"
)

var terminalStates = map[State]bool{
	StateCached:   true,
	StateExecuted: true,
	StateFailed:   true,
	StateSkipped:  true,
	StateStarted:  true,
}

var successfulStates = map[State]bool{
	StateCached:   true,
	StateExecuted: true,
	StateStarted:  true,
}

var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateReady:   true,
		StateSkipped: true,
		// A node can fail before dispatch when its hash could not be
		// computed.
		StateFailed: true,
	},
	StateReady: {
		StateRunning: true,
		StateSkipped: true,
	},
	StateRunning: {
		StateCached:   true,
		StateExecuted: true,
		StateFailed:   true,
		StateStarted:  true,
	},
}

// Terminal reports whether s ends scheduling for the node.
func (s State) Terminal() bool { return terminalStates[s] }

// Successful reports whether s unblocks the node's dependents.
func (s State) Successful() bool { return successfulStates[s] }

// ValidateTransition returns an error when from -> to is not a legal move.
func ValidateTransition(from, to State) error {
	if !validTransitions[from][to] {
		return fmt.Errorf("invalid node state transition: %s -> %s", from, to)
	}
	return nil
}
