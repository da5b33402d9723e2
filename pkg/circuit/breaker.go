// Package circuit implements a standard three-state circuit breaker,
// used by the Dashboard HTTP client to stop hammering an unreachable
// Dashboard once its failure rate crosses a threshold (spec §4.G:
// "registration failures must not block scan processing or transfer").
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker's thresholds.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping open
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // time spent open before probing half-open
	HalfOpenMaxCalls int           // concurrent probes allowed while half-open
}

// Breaker protects a single remote dependency. Execute runs fn only when
// the breaker's state permits it, and updates state from fn's result.
type Breaker struct {
	config Config
	logger *logrus.Logger

	mu            sync.Mutex
	state         State
	failures      int
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time

	halfOpenCalls     int
	halfOpenSuccesses int

	onStateChange func(from, to State)
}

// New returns a closed Breaker with defaulted thresholds.
func New(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &Breaker{config: config, logger: logger, state: Closed}
}

// ErrOpen is returned by Execute when the breaker refuses entry.
type ErrOpen struct {
	Name string
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Execute runs fn if the breaker's state allows it. The pre-check and
// post-result bookkeeping hold the lock; fn itself runs unlocked so a
// slow Dashboard request never blocks other callers from observing state.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()

	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++

	switch b.state {
	case Open:
		if time.Now().Before(b.nextRetryTime) {
			return &ErrOpen{Name: b.config.Name}
		}
		b.setState(HalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		fallthrough
	case HalfOpen:
		if b.state == HalfOpen && b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return &ErrOpen{Name: b.config.Name}
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == HalfOpen || b.failures >= b.config.FailureThreshold {
			b.trip()
		}
		return
	}

	b.lastSuccess = time.Now()
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(Closed)
			b.failures = 0
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) trip() {
	if b.state == Open {
		return
	}
	b.setState(Open)
	b.nextRetryTime = time.Now().Add(b.config.OpenTimeout)
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":         b.config.Name,
			"failures":        b.failures,
			"next_retry_time": b.nextRetryTime,
		}).Warn("circuit breaker opened")
	}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(old, newState)
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":   b.config.Name,
			"old_state": old.String(),
			"new_state": newState.String(),
		}).Info("circuit breaker state changed")
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(Closed)
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}
}

// Stats is a point-in-time snapshot of the breaker's counters.
type Stats struct {
	State         State
	Failures      int
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}

// SetStateChangeCallback registers a hook invoked on every state
// transition, e.g. to update a metrics gauge.
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
