// Package breaker implements a per-provider circuit breaker with
// consecutive-failure-count semantics (CLOSED -> OPEN -> HALF_OPEN ->
// CLOSED/OPEN). It keeps the structural idiom of a heavier sliding-window
// breaker - atomic state, a stateChangedAt timestamp, state-change
// listeners, and an explicit force-open/force-closed override surface -
// while dropping the sliding error-rate window entirely: the gateway's
// failover contract only cares about N consecutive failures opening the
// breaker, not a rolling error rate.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen reports a call rejected because Allow returned false; callers
// such as the provider registry wrap it.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls the failure threshold and open duration.
type Config struct {
	// Name identifies the breaker in logs (typically the provider name).
	Name string
	// FailMax is the number of consecutive failures that opens the breaker.
	FailMax int
	// TimeoutDuration is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	TimeoutDuration time.Duration
}

// Listener is notified on every state transition.
type Listener func(name string, from, to State)

// Breaker is a single provider's circuit breaker. Safe for concurrent use.
type Breaker struct {
	name            string
	failMax         int64
	timeoutDuration time.Duration

	state          atomic.Int32
	failureCount   atomic.Int64
	stateChangedAt atomic.Int64 // unix nanos

	// halfOpenInFlight gates the single probe call permitted in HALF_OPEN;
	// other callers arriving concurrently are rejected rather than piling
	// onto the probe.
	halfOpenInFlight atomic.Bool

	forced   atomic.Int32 // 0 = not forced, 1 = forced closed, 2 = forced open
	mu       sync.Mutex
	listeners []Listener
}

// New creates a CLOSED breaker.
func New(cfg Config) *Breaker {
	if cfg.FailMax <= 0 {
		cfg.FailMax = 5
	}
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 60 * time.Second
	}
	b := &Breaker{
		name:            cfg.Name,
		failMax:         int64(cfg.FailMax),
		timeoutDuration: cfg.TimeoutDuration,
	}
	b.stateChangedAt.Store(time.Now().UnixNano())
	return b
}

// AddStateChangeListener registers a callback invoked on every transition.
func (b *Breaker) AddStateChangeListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// GetState returns the breaker's logical state, accounting for the
// OPEN-to-HALF_OPEN timeout without requiring a call to Allow first.
func (b *Breaker) GetState() State {
	switch f := Forced(b.forced.Load()); f {
	case forcedClosed:
		return StateClosed
	case forcedOpen:
		return StateOpen
	}

	cur := State(b.state.Load())
	if cur == StateOpen && b.timeoutElapsed() {
		return StateHalfOpen
	}
	return cur
}

type Forced int32

const (
	notForced  Forced = 0
	forcedClosed Forced = 1
	forcedOpen   Forced = 2
)

func (b *Breaker) timeoutElapsed() bool {
	changedAt := time.Unix(0, b.stateChangedAt.Load())
	return time.Since(changedAt) >= b.timeoutDuration
}

// Allow reports whether a call may proceed, and reserves the HALF_OPEN
// probe slot if this call is the probe. Callers that get allowed=false
// must not call RecordSuccess/RecordFailure.
func (b *Breaker) Allow() (allowed bool) {
	switch b.GetState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Only the first caller to observe HALF_OPEN gets to probe.
		if b.halfOpenInFlight.CompareAndSwap(false, true) {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default: // StateOpen
		return false
	}
}

// RecordSuccess reports a successful call. In HALF_OPEN this closes the
// breaker and resets the failure counter; in CLOSED it resets the
// counter so isolated failures don't accumulate toward the threshold.
func (b *Breaker) RecordSuccess() {
	wasProbe := b.halfOpenInFlight.Swap(false)
	b.failureCount.Store(0)
	if wasProbe || State(b.state.Load()) == StateHalfOpen {
		b.transitionTo(StateClosed)
		return
	}
	if State(b.state.Load()) != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure reports a failed call (a ProviderError per spec; callers
// must not invoke this for RateLimitError, which does not count toward
// the threshold). In HALF_OPEN this immediately reopens the breaker. In
// CLOSED, FailMax consecutive failures opens it.
func (b *Breaker) RecordFailure() {
	wasProbe := b.halfOpenInFlight.Swap(false)
	if wasProbe || State(b.state.Load()) == StateHalfOpen {
		b.transitionTo(StateOpen)
		return
	}

	n := b.failureCount.Add(1)
	if n >= b.failMax && State(b.state.Load()) == StateClosed {
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) transitionTo(newState State) {
	old := State(b.state.Swap(int32(newState)))
	if old == newState {
		return
	}
	b.stateChangedAt.Store(time.Now().UnixNano())
	if newState == StateClosed {
		b.failureCount.Store(0)
	}

	slog.Info("Circuit breaker state change", "breaker", b.name, "from", old, "to", newState)

	b.mu.Lock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range listeners {
		l(b.name, old, newState)
	}
}

// Reset forces the breaker back to CLOSED and clears the failure counter,
// regardless of current state.
func (b *Breaker) Reset() {
	b.halfOpenInFlight.Store(false)
	b.forced.Store(int32(notForced))
	b.transitionTo(StateClosed)
}

// ForceOpen pins the breaker OPEN until ClearForce is called, for
// operator-driven maintenance mode on a provider.
func (b *Breaker) ForceOpen() {
	b.forced.Store(int32(forcedOpen))
	b.transitionTo(StateOpen)
}

// ForceClosed pins the breaker CLOSED regardless of failures.
func (b *Breaker) ForceClosed() {
	b.forced.Store(int32(forcedClosed))
	b.transitionTo(StateClosed)
}

// ClearForce releases an operator override, returning to normal operation.
func (b *Breaker) ClearForce() {
	b.forced.Store(int32(notForced))
}

// FailureCount returns the current consecutive-failure count (for
// health/debug reporting).
func (b *Breaker) FailureCount() int64 {
	return b.failureCount.Load()
}
