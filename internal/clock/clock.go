package clock

import "time"

// Clock provides a testable time source.
//
// Components that reason about elapsed time (breaker recovery windows,
// snapshot freshness, backoff) take a Clock so tests can drive time
// deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock is a production Clock implementation backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }
