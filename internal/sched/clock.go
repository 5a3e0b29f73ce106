// internal/sched/clock.go

package sched

import (
	"sync/atomic"
	"time"
)

// Clock supplies the monotonic time the scheduler orders its decisions by.
// The cluster reads it only while holding the scheduling lock.
type Clock interface {
	Now() Time
}

// MonotonicClock reads the host's monotonic clock, rebased so time starts
// at zero when the clock is created.
type MonotonicClock struct {
	base time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

func (c *MonotonicClock) Now() Time {
	return Time(time.Since(c.base).Nanoseconds())
}

// ManualClock is advanced explicitly by the caller. The simulator and the
// tests drive one so scheduling decisions replay identically run to run.
type ManualClock struct {
	now atomic.Int64
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Now() Time {
	return Time(c.now.Load())
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d Duration) Time {
	return Time(c.now.Add(int64(d)))
}

// Set jumps the clock to t. Going backwards is a caller bug.
func (c *ManualClock) Set(t Time) {
	if Time(c.now.Load()) > t {
		panic("sched: manual clock moved backwards")
	}
	c.now.Store(int64(t))
}
