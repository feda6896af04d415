package orchestrator

// State is a task's lifecycle position. Every change goes through
// transition(); there is no other way to move between states.
type State string

const (
	StatePending        State = "pending"
	StateRunning        State = "running"
	StateCheckpointWait State = "checkpoint_wait"
	StateCompleted      State = "completed"
	StateAbortedBudget  State = "aborted_budget"
	StateAbortedSteps   State = "aborted_steps"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// transitions lists every legal state change. Terminal states have no
// outgoing edges.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled, StateFailed},
	StateRunning: {
		StateCheckpointWait,
		StateCompleted,
		StateAbortedBudget,
		StateAbortedSteps,
		StateFailed,
		StateCancelled,
	},
	StateCheckpointWait: {StateRunning, StateCancelled, StateFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
