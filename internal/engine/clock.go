package engine

import (
	"sync"
	"time"
)

// Clock supplies the unix-second timestamp a command runs at.
type Clock interface {
	Now() int64
}

// SystemClock reads wall time but never goes backwards: a reading earlier
// than the last one returned is clamped to it.
type SystemClock struct {
	mu   sync.Mutex
	last int64
}

func (c *SystemClock) Now() int64 {
	t := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t < c.last {
		t = c.last
	}
	c.last = t
	return t
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }
