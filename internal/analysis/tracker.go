package analysis

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of one request.
type State string

const (
	StatePending        State = "Pending"
	StateDispatched     State = "Dispatched"
	StateAwaitingResult State = "AwaitingResult"
	StateCompleted      State = "Completed"
	StateTimedOut       State = "TimedOut"
	StateFailed         State = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

var transitions = map[State][]State{
	StatePending:        {StateDispatched, StateTimedOut, StateFailed},
	StateDispatched:     {StateAwaitingResult, StateTimedOut, StateFailed},
	StateAwaitingResult: {StateCompleted, StateTimedOut, StateFailed},
}

const defaultHistory = 1024

// Tracker records request states. Finished requests are kept for lookup up to
// a bounded history.
type Tracker struct {
	mu       sync.RWMutex
	states   map[string]State
	finished []string
	history  int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State), history: defaultHistory}
}

// State returns the current state of a request.
func (t *Tracker) State(requestID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[requestID]
	return s, ok
}

// Active counts requests not yet finished.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.states {
		if !s.Terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) add(requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.states[requestID]; exists {
		return fmt.Errorf("%w: duplicate request id", ErrInvalidRequest)
	}
	t.states[requestID] = StatePending
	return nil
}

func (t *Tracker) remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, requestID)
}

func (t *Tracker) move(requestID string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.states[requestID]
	if !ok {
		return fmt.Errorf("unknown request %s", requestID)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			t.states[requestID] = to
			if to.Terminal() {
				t.finished = append(t.finished, requestID)
				for len(t.finished) > t.history {
					delete(t.states, t.finished[0])
					t.finished = t.finished[1:]
				}
			}
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}
