package engine

import "time"

// Clock supplies wall time for receivedAt, processedAt and retry schedules.
// Implemented by SystemClock (production) and testutil.FakeClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock, in UTC.
//
// Thread-safety: SystemClock is stateless and safe for concurrent use.
type SystemClock struct{}

// Now returns the current UTC time truncated to milliseconds, the
// precision of stored timestamps.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
