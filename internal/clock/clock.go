// Package clock abstracts wall-clock reads and fire-after-delay timers so the
// call engine can run against real time in production and a deterministic
// fake in tests.
package clock

import "time"

// Timer is the cancel handle returned by AfterFunc. Stop reports whether the
// call prevented the timer from firing.
type Timer interface {
	Stop() bool
}

// Clock is the timer facility consumed by the engine and the session host.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is backed by the time package. Loc, when set, is applied to Now.
type Real struct {
	Loc *time.Location
}

func (r Real) Now() time.Time {
	if r.Loc != nil {
		return time.Now().In(r.Loc)
	}
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
