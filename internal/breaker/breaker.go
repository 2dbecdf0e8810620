// Package breaker implements a per-channel circuit breaker.
//
// One failing capability must not block unrelated capabilities, so state is
// tracked per logical channel rather than globally. Channel entries are
// created lazily on first use and only ever reset by administrative action.
package breaker

import (
	"sync"
	"time"

	"github.com/strandline/tether/internal/clock"
)

// State is the breaker state for a single channel.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTime is how long an open breaker rejects calls before
	// allowing a probe.
	DefaultRecoveryTime = 30 * time.Second
	// DefaultCloseThreshold is the consecutive-success count that closes a
	// half-open breaker.
	DefaultCloseThreshold = 3
)

// Config controls breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	CloseThreshold   int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTime:     DefaultRecoveryTime,
		CloseThreshold:   DefaultCloseThreshold,
	}
}

// Status is a point-in-time snapshot of one channel's breaker.
type Status struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

type channelState struct {
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// Breaker tracks failure/success counts per logical channel. It performs no
// I/O; callers record outcomes and consult IsOpen before attempting a call.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	channels map[string]*channelState
}

// New creates a Breaker. A nil clock falls back to the real clock.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = DefaultRecoveryTime
	}
	if cfg.CloseThreshold <= 0 {
		cfg.CloseThreshold = DefaultCloseThreshold
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Breaker{
		cfg:      cfg,
		clk:      clk,
		channels: make(map[string]*channelState),
	}
}

// IsOpen reports whether calls on channel should be rejected. When the
// recovery window of an open breaker has elapsed, the check itself moves the
// channel to half-open and returns false, allowing exactly one probe through.
func (b *Breaker) IsOpen(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.channel(channel)
	if cs.state != StateOpen {
		return false
	}
	if b.clk.Now().Sub(cs.lastFailure) >= b.cfg.RecoveryTime {
		cs.state = StateHalfOpen
		cs.successCount = 0
		return false
	}
	return true
}

// RecordSuccess records a successful call on channel. Enough consecutive
// successes while half-open close the breaker and zero both counters.
func (b *Breaker) RecordSuccess(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.channel(channel)
	switch cs.state {
	case StateHalfOpen:
		cs.successCount++
		if cs.successCount >= b.cfg.CloseThreshold {
			cs.state = StateClosed
			cs.successCount = 0
			cs.failureCount = 0
		}
	case StateClosed:
		cs.failureCount = 0
	}
}

// RecordFailure records a failed call on channel. Reaching the failure
// threshold opens the breaker; any failure while half-open reopens it
// immediately.
func (b *Breaker) RecordFailure(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.channel(channel)
	now := b.clk.Now()
	switch cs.state {
	case StateHalfOpen:
		cs.state = StateOpen
		cs.successCount = 0
		cs.lastFailure = now
	case StateClosed:
		cs.failureCount++
		if cs.failureCount >= b.cfg.FailureThreshold {
			cs.state = StateOpen
			cs.lastFailure = now
		}
	case StateOpen:
		cs.lastFailure = now
	}
}

// Status returns a snapshot of channel's breaker state.
func (b *Breaker) Status(channel string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.channel(channel)
	return Status{
		State:        cs.state,
		FailureCount: cs.failureCount,
		SuccessCount: cs.successCount,
		LastFailure:  cs.lastFailure,
	}
}

// Reset returns channel to the closed state with zeroed counters.
// This is an administrative action; breakers are never reset automatically.
func (b *Breaker) Reset(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.channels, channel)
}

// channel returns the entry for name, creating it closed if absent.
// Callers must hold b.mu.
func (b *Breaker) channel(name string) *channelState {
	cs, ok := b.channels[name]
	if !ok {
		cs = &channelState{state: StateClosed}
		b.channels[name] = cs
	}
	return cs
}
