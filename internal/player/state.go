package player

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a command does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminated is returned for commands issued after the session ended.
	// A new player is required to play again.
	ErrTerminated = errors.New("player terminated")
)

// State is the playback session state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePrepared
	StatePlaying
	StatePaused
	StateCompleted
	StateStopped
	StateError
)

var stateNames = [...]string{
	"idle",
	"preparing",
	"prepared",
	"playing",
	"paused",
	"completed",
	"stopped",
	"error",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown player state %q", text)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// transitions lists the legal targets per state. Stopped and Error are
// reachable from every non-terminal state.
var transitions = map[State][]State{
	StateIdle:      {StatePreparing},
	StatePreparing: {StatePrepared},
	StatePrepared:  {StatePlaying},
	StatePlaying:   {StatePaused, StateCompleted},
	StatePaused:    {StatePlaying, StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateStopped || to == StateError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
