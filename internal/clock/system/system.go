// Package system provides a real clock implementation.
package system

import (
	"sync"
	"time"
)

// Clock implements collector.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stub is a manually advanced clock for tests.
type Stub struct {
	mu  sync.Mutex
	now time.Time
}

// NewStub returns a stub clock frozen at start.
func NewStub(start time.Time) *Stub {
	return &Stub{now: start}
}

// Now returns the frozen time.
func (s *Stub) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d.
func (s *Stub) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// Set moves the clock to t.
func (s *Stub) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}
