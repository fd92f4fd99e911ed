// SPDX-License-Identifier: MIT

// Package resilience provides a circuit breaker for outbound upstream calls.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/wishreel/wishreel/internal/metrics"
)

// State is the breaker position. The numeric values feed the state gauge.
type State int

const (
	StateClosed   State = iota // requests allowed
	StateHalfOpen              // probing after cooldown
	StateOpen                  // requests blocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned without invoking the call while the circuit is open.
var ErrOpen = errors.New("resilience: circuit open")

// Breaker trips after a run of consecutive failures and blocks calls until
// the cooldown elapses. A successful probe closes it again.
type Breaker struct {
	upstream         string
	failureThreshold int
	cooldown         time.Duration

	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker. The upstream name labels the state
// gauge.
func NewBreaker(upstream string, failureThreshold int, cooldown time.Duration) *Breaker {
	b := &Breaker{
		upstream:         upstream,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            StateClosed,
	}
	metrics.SetCircuitBreakerState(upstream, int(StateClosed))
	return b
}

// Execute runs fn unless the circuit is open. The error from fn is passed
// through unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.transitionLocked(StateHalfOpen)
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	default:
		// Half-open lets probes through; the first failure re-opens.
		b.mu.Unlock()
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.transitionLocked(StateClosed)
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	metrics.SetCircuitBreakerState(b.upstream, int(next))
}
