package state

import "time"

// Clock abstracts wall-clock reads so lockout, cooldown and grace-period
// logic is deterministic under test. Every time comparison in the pipeline
// goes through a Clock, never time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
