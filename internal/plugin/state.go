package plugin

import "fmt"

// State is the lifecycle position of a loaded plugin instance. Instances
// are created in StateUninitialized by a load and leave the table again
// on unload; StateUnloaded and StateFailed are terminal.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateStarted
	StatePaused
	StateStopped
	StateUnloaded
	StateFailed
)

var stateNames = [...]string{
	StateUninitialized: "UNINITIALIZED",
	StateInitialized:   "INITIALIZED",
	StateStarted:       "STARTED",
	StatePaused:        "PAUSED",
	StateStopped:       "STOPPED",
	StateUnloaded:      "UNLOADED",
	StateFailed:        "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateUnloaded || s == StateFailed
}

// transitions is the single authority on legal lifecycle moves. A stopped
// plugin cannot be restarted; it can only be unloaded.
var transitions = map[State][]State{
	StateUninitialized: {StateInitialized, StateUnloaded, StateFailed},
	StateInitialized:   {StateStarted, StateUnloaded, StateFailed},
	StateStarted:       {StatePaused, StateStopped, StateUnloaded, StateFailed},
	StatePaused:        {StateStarted, StateStopped, StateUnloaded, StateFailed},
	StateStopped:       {StateUnloaded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal lifecycle move. The state table is
// left untouched when one is returned.
type TransitionError struct {
	Plugin string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %q: illegal transition %s -> %s", e.Plugin, e.From, e.To)
}
