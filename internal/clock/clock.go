// Package clock abstracts wall-clock reads so status and retry logic can be
// tested without real time passing.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every component that makes
// time-dependent decisions. Production code uses System; tests use Fake.
type Clock interface {
	Now() time.Time
}

// System reads the ambient wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a controllable time source for tests.
type Fake struct {
	mu  sync.Mutex
	cur time.Time
}

// NewFake returns a fake clock initialised to start.
func NewFake(start time.Time) *Fake {
	return &Fake{cur: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Set moves the clock to the provided instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.cur = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the updated time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	f.cur = f.cur.Add(d)
	t := f.cur
	f.mu.Unlock()
	return t
}
