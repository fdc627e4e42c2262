// Package testutils provides deterministic generators, fakes and fixtures for energy-bench testing.
// These utilities keep test output stable while exercising the production code paths.
package testutils

import (
	"fmt"
	"sync"
	"time"
)

var (
	idCounter uint64
	idMutex   sync.Mutex
)

// BaseTime is a fixed instant for fixtures that need a stable time.
var BaseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicUUID generates a deterministic UUID maintaining UUID v4 format.
// Returns UUIDs like: 00000001-0000-4000-8000-000000000001, 00000002-0000-4000-8000-000000000002
func DeterministicUUID() string {
	idMutex.Lock()
	defer idMutex.Unlock()

	idCounter++
	return fmt.Sprintf("%08x-0000-4000-8000-%012x", idCounter, idCounter)
}

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// SteppedClock is a manually advanced clock.
type SteppedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSteppedClock creates a clock reading start.
func NewSteppedClock(start time.Time) *SteppedClock {
	return &SteppedClock{now: start}
}

// Now returns the current reading.
func (c *SteppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SteppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
