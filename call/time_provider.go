package call

import "time"

// TimeProvider supplies the current time. Tests inject a fake so
// timestamp-sensitive behavior (staleness checks, call duration) is
// deterministic.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}
