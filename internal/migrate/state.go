package migrate

import (
	"errors"
	"fmt"
)

// State is the phase of a migration task.
type State string

const (
	StatePending                   State = "PENDING"
	StateMigrating                 State = "MIGRATING"
	StateMigrateFinished           State = "MIGRATE_FINISHED"
	StateCorrecting                State = "CORRECTING"
	StateCorrectFinished           State = "CORRECT_FINISHED"
	StateMigratingFailedNode       State = "MIGRATING_FAILED_NODE"
	StateMigrateFailedNodeFinished State = "MIGRATE_FAILED_NODE_FINISHED"
	StateFinishing                 State = "FINISHING"
	StateNeedsManualIntervention   State = "NEEDS_MANUAL_INTERVENTION"

	// StateDeleted is never stored. Reaching it means the task record is
	// removed.
	StateDeleted State = "DELETED"
)

// States lists every stored state in lifecycle order.
var States = []State{
	StatePending,
	StateMigrating,
	StateMigrateFinished,
	StateCorrecting,
	StateCorrectFinished,
	StateMigratingFailedNode,
	StateMigrateFailedNodeFinished,
	StateFinishing,
	StateNeedsManualIntervention,
}

// Event drives a state change.
type Event string

const (
	EventStart     Event = "start"
	EventFinish    Event = "finish"
	EventResume    Event = "resume"
	EventExhausted Event = "exhausted"
	EventReset     Event = "reset"
)

// ErrInvalidTransition is returned by Next for events the state does not accept.
var ErrInvalidTransition = errors.New("invalid migration state transition")

// starts maps each waiting state to the executing state its start event enters.
var starts = map[State]State{
	StatePending:                   StateMigrating,
	StateMigrateFinished:           StateCorrecting,
	StateCorrectFinished:           StateMigratingFailedNode,
	StateMigrateFailedNodeFinished: StateFinishing,
}

// finishes maps each executing state to the state its finish event enters.
var finishes = map[State]State{
	StateMigrating:           StateMigrateFinished,
	StateCorrecting:          StateCorrectFinished,
	StateMigratingFailedNode: StateMigrateFailedNodeFinished,
	StateFinishing:           StateDeleted,
}

// Executing reports whether s is a state in which work is being done.
func (s State) Executing() bool {
	_, ok := finishes[s]
	return ok
}

// Waiting reports whether s waits to be started.
func (s State) Waiting() bool {
	_, ok := starts[s]
	return ok
}

// Valid reports whether s is a storable state.
func (s State) Valid() bool {
	return s.Executing() || s.Waiting() || s == StateNeedsManualIntervention
}

// Next is the pure transition function of the task state machine.
func Next(s State, e Event) (State, error) {
	var (
		next State
		ok   bool
	)
	switch e {
	case EventStart:
		next, ok = starts[s]
	case EventFinish:
		next, ok = finishes[s]
	case EventResume:
		next, ok = s, s.Executing()
	case EventExhausted:
		next, ok = StateNeedsManualIntervention, s == StateMigratingFailedNode
	case EventReset:
		next, ok = StateCorrectFinished, s == StateNeedsManualIntervention
	}
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
	}
	return next, nil
}
