package alerts

import (
	"sync"
	"time"
)

// AlertState marks a key whose alert has fired and not yet recovered.
type AlertState struct {
	Fired   bool
	FiredAt time.Time
	Value   float64
}

type transition int

const (
	transitionNone transition = iota
	transitionFired
	transitionRecovered
)

// StateStore holds flap-suppression state in memory. It starts empty and
// is never persisted, so a restart re-arms every alert.
type StateStore struct {
	mu     sync.Mutex
	states map[string]AlertState
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]AlertState)}
}

func (s *StateStore) Get(key string) (AlertState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok
}

func (s *StateStore) Set(key string, st AlertState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = st
}

func (s *StateStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]AlertState)
}

// evaluate runs one step of the hysteresis state machine for key and
// records the result atomically.
func (s *StateStore) evaluate(key string, value, threshold, factor float64, above bool, now time.Time) transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, fired := s.states[key]; !fired {
		if !breached(value, threshold, above) {
			return transitionNone
		}
		s.states[key] = AlertState{Fired: true, FiredAt: now, Value: value}
		return transitionFired
	}

	if recovered(value, threshold, factor, above) {
		delete(s.states, key)
		return transitionRecovered
	}
	return transitionNone
}

func breached(value, threshold float64, above bool) bool {
	if above {
		return value >= threshold
	}
	return value <= threshold
}

// recovered reports whether value has moved back past the recovery band.
// Below-direction alerts mirror the factor around 1, so 0.9 becomes 1.1.
func recovered(value, threshold, factor float64, above bool) bool {
	if above {
		return value < threshold*factor
	}
	return value > threshold*(2-factor)
}
