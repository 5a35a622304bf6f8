package util

import (
	"sync"
	"time"
)

// Clock is the source of the current time for anything that records or compares timestamps.
type Clock interface {
	Now() time.Time
}

// DefaultClock reports the wall clock in UTC.
type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now().UTC() }

// DummyClock is a manually driven clock for tests. It is safe for concurrent use as long as T is
// only set before the clock is shared.
type DummyClock struct {
	mu sync.RWMutex
	T  time.Time
}

func (c *DummyClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.T
}

func (c *DummyClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}
