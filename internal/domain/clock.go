package domain

import "time"

// Clock supplies the current time. Business logic takes a Clock instead of
// calling time.Now directly so that expirations and time-derived session
// identifiers are controllable in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the real wall clock, in UTC.
var SystemClock Clock = systemClock{}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
