// Package clock lets timer-driven code run against wall time in production
// and against a manually advanced clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously inside
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	stop func() bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

func (t *Ticker) Stop()                  { t.stop() }
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop, reset: t.Reset}
}
