// Package circuitbreaker stops hammering webhook endpoints that keep failing.
package circuitbreaker

import (
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const TextCodeCircuitOpen = "CIRCUIT_OPEN"

// ErrCircuitOpen is returned by Allow while an endpoint is cooling down.
var ErrCircuitOpen = goerrors.New("circuit breaker is open", goerrors.CategoryExternal).
	WithCode(503).
	WithTextCode(TextCodeCircuitOpen)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive failures per endpoint URL. After
// threshold failures the endpoint is open for cooldown, then a single
// probe is let through.
type CircuitBreaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		endpoints: make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) Allow(url string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.endpoints[url]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Closed endpoints are not tracked.
	delete(cb.endpoints, url)
}

func (cb *CircuitBreaker) RecordFailure(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.endpoints[url]
	if !ok {
		s = &endpointState{}
		cb.endpoints[url] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// State returns "closed", "open" or "half_open" for url.
func (cb *CircuitBreaker) State(url string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.endpoints[url]
	if !ok {
		return stateClosed.String()
	}
	return s.state.String()
}
