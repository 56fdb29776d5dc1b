// Package clock provides an injectable time source for inode timestamps,
// mirroring the RealClock/SimulatedClock split used by gcsfuse's internal
// clock package and the teacher's timeutil.Clock dependency in
// samples/memfs, so tests can assert exact atime/mtime/ctime values instead
// of racing against wall-clock time.
package clock

import "time"

// Clock is anything that can report the current time.
type Clock interface {
	Now() time.Time
}

// Real returns the operating system's wall-clock time. Use this in
// production wiring.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a deterministic, manually-advanced clock for tests.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

func (f *Fake) Now() time.Time { return f.t }

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.t = f.t.Add(d)
	return f.t
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.t = t }
