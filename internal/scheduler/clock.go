package scheduler

import "time"

// Clock is the time source of a run. Tests use a fake clock to control the
// passing of time.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer used by the scheduler.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock is the Clock backed by the time package.
type RealClock struct{}

// Now returns the current wall clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewTimer returns a time.Timer firing after d.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time {
	return r.t.C
}

func (r *realTimer) Stop() bool {
	return r.t.Stop()
}
