package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrCircuitOpen is returned by Do when the breaker refuses the call.
// It is advisory: the protected endpoint was never contacted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state tag.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines breaker thresholds and timeouts.
type Config struct {
	// FailureThreshold is the failure count in Closed that trips the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays Open before trial traffic.
	ResetTimeout time.Duration
	// SuccessThreshold is the success count in HalfOpen that closes the breaker.
	SuccessThreshold uint32
	// FailureWindow bounds how long recorded failures stay relevant in Closed.
	FailureWindow time.Duration
}

// DefaultConfig returns the standard breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 3,
		FailureWindow:    60 * time.Second,
	}
}

// Breaker is a lock-free circuit breaker. All fields are independent atomics;
// the state machine tolerates benign races (two callers may both push the
// failure count past the threshold, but the Closed->Open transition is a CAS
// and therefore idempotent). Safe for concurrent use without a mutex.
type Breaker struct {
	cfg    Config
	name   string
	logger hclog.Logger

	state       atomic.Int32
	failures    atomic.Uint32
	successes   atomic.Uint32
	lastFailure atomic.Int64 // unix nanos of the last recorded failure
	openedAt    atomic.Int64 // unix nanos of the Closed->Open transition
}

// New creates a breaker named after the endpoint it protects.
func New(name string, cfg Config, logger hclog.Logger) *Breaker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Breaker{
		cfg:    cfg,
		name:   name,
		logger: logger,
	}
}

// State returns the current state tag.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Failures returns the current failure count.
func (b *Breaker) Failures() uint32 {
	return b.failures.Load()
}

// Allow reports whether a request may proceed. In Open it additionally
// performs the Open->HalfOpen transition once ResetTimeout has elapsed.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		opened := b.openedAt.Load()
		if opened == 0 || time.Since(time.Unix(0, opened)) < b.cfg.ResetTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.successes.Store(0)
			b.logger.Info("circuit breaker half-open, allowing trial traffic",
				"endpoint", b.name, "open_for", time.Since(time.Unix(0, opened)).String())
		}
		// Either we transitioned or a concurrent caller did; both mean HalfOpen.
		return true
	default:
		return true
	}
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.successes.Add(1) >= b.cfg.SuccessThreshold {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.failures.Store(0)
				b.successes.Store(0)
				b.openedAt.Store(0)
				b.logger.Info("circuit breaker closed", "endpoint", b.name)
			}
		}
	case StateOpen:
		// No trial traffic should have run; ignore.
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (b *Breaker) RecordFailure() {
	now := time.Now().UnixNano()
	switch State(b.state.Load()) {
	case StateClosed:
		// Forget failures older than the window before counting this one.
		last := b.lastFailure.Load()
		if last != 0 && time.Duration(now-last) > b.cfg.FailureWindow {
			b.failures.Store(0)
		}
		b.lastFailure.Store(now)
		if b.failures.Add(1) >= b.cfg.FailureThreshold {
			b.trip(StateClosed)
		}
	case StateHalfOpen:
		// A single failure during trial reopens immediately.
		b.lastFailure.Store(now)
		b.trip(StateHalfOpen)
	case StateOpen:
		// Already open; nothing to count.
	}
}

// trip moves the breaker to Open from the given state. The CAS makes the
// transition idempotent when racing callers trip simultaneously.
func (b *Breaker) trip(from State) {
	// openedAt is written before the state flips so Allow never observes
	// Open with a stale timestamp. A failed CAS leaves only a harmless
	// duplicate store.
	b.openedAt.Store(time.Now().UnixNano())
	if b.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		b.logger.Warn("circuit breaker opened",
			"endpoint", b.name,
			"from", from.String(),
			"failures", b.failures.Load(),
			"threshold", b.cfg.FailureThreshold)
	}
}

// Do runs op under breaker protection. If the breaker refuses, op is not
// invoked and ErrCircuitOpen is returned. Otherwise op's outcome is recorded
// and its error (or nil) is propagated unchanged.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
