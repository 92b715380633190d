package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a step of the launcher lifecycle.
type State string

const (
	// StateIdle is the state of a new launcher.
	StateIdle State = "idle"

	// StateConfigured holds a validated launch configuration.
	StateConfigured State = "configured"

	// StateSingleRun runs the experiment once in the calling goroutine.
	StateSingleRun State = "single_run"

	// StateSubmitting prepares the scheduler and submits the sweep.
	StateSubmitting State = "submitting"

	// StateAwaitingCompletion waits for every trial of the sweep.
	StateAwaitingCompletion State = "awaiting_completion"

	// StateConsolidating moves trial output from the scratch root to the log root.
	StateConsolidating State = "consolidating"

	// StateConsolidated has every trial's output under the experiment directory.
	StateConsolidated State = "consolidated"

	// StatePostProcessed has loaded the project and run the callback.
	StatePostProcessed State = "post_processed"

	// StateDone is the terminal state of a successful launch.
	StateDone State = "done"

	// StateFailed is the terminal state of an aborted launch.
	StateFailed State = "failed"
)

var transitions = map[State][]State{
	StateIdle:               {StateConfigured},
	StateConfigured:         {StateSingleRun, StateSubmitting, StateFailed},
	StateSingleRun:          {StateConsolidated, StateFailed},
	StateSubmitting:         {StateAwaitingCompletion, StateConsolidating, StateFailed},
	StateAwaitingCompletion: {StateConsolidating},
	StateConsolidating:      {StateConsolidated, StateFailed},
	StateConsolidated:       {StatePostProcessed, StateFailed},
	StatePostProcessed:      {StateDone, StateFailed},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// IsDistributed returns true for the sub-states of a distributed run.
func (s State) IsDistributed() bool {
	return s == StateSubmitting || s == StateAwaitingCompletion || s == StateConsolidating
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateConfigured, StateSingleRun, StateSubmitting,
		StateAwaitingCompletion, StateConsolidating, StateConsolidated,
		StatePostProcessed, StateDone, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid launcher state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Transition is an entry of the launcher history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
