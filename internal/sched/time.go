// internal/sched/time.go

package sched

import (
	"fmt"
	"time"
)

// Time is an absolute point on the scheduler's monotonic clock, in
// nanoseconds. Virtual timeline values reuse this type; they live on a
// separate (per-CPU) axis and are never mixed with real time.
type Time int64

// Duration is a signed nanosecond delta between two Times.
type Duration int64

const (
	Nanosecond  Duration = 1
	Microsecond Duration = 1000 * Nanosecond
	Millisecond Duration = 1000 * Microsecond
	Second      Duration = 1000 * Millisecond
)

// Weight is a fixed-point rational (16 fractional bits) expressing a task's
// proportional claim on CPU time. All weight arithmetic is integer-only so
// repeated timeslice computations stay deterministic across platforms.
type Weight int64

const weightFracBits = 16

// WeightOne is the weight of a priority-0 task.
const WeightOne Weight = 1 << weightFracBits

// Priorities form a small fixed ladder; each step up multiplies the weight
// by 5/4. The range is wide enough for a 20-ish level policy with headroom.
const (
	MinPriority = 0
	MaxPriority = 31
)

// priorityWeights[p] = WeightOne * (5/4)^p, computed in integer math.
var priorityWeights = func() [MaxPriority + 1]Weight {
	var w [MaxPriority + 1]Weight
	w[0] = WeightOne
	for p := 1; p <= MaxPriority; p++ {
		w[p] = w[p-1] * 5 / 4
	}
	return w
}()

// ClampPriority forces p into the legal ladder.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// WeightForPriority maps a priority level to its fixed-point weight.
func WeightForPriority(priority int) Weight {
	return priorityWeights[ClampPriority(priority)]
}

// Float64 is for logs and dumps only; scheduling math never goes through it.
func (w Weight) Float64() float64 {
	return float64(w) / float64(WeightOne)
}

func (w Weight) String() string {
	return fmt.Sprintf("%.4f", w.Float64())
}

// Scale returns d * num / den. Inputs are bounded (durations by the peak
// scheduling period, weights by the priority ladder) so the intermediate
// product cannot overflow int64.
func (d Duration) Scale(num, den Weight) Duration {
	if den == 0 {
		panic("sched: scale by zero weight")
	}
	return Duration(int64(d) * int64(num) / int64(den))
}

// DivWeight returns d / w, i.e. the virtual-time span a real-time span
// covers for a task of weight w. Heavier tasks advance less virtual time
// per real nanosecond, which is what earns them earlier finish keys.
func (d Duration) DivWeight(w Weight) Duration {
	return d.Scale(WeightOne, w)
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DurationOf converts a stdlib duration into scheduler ticks.
func DurationOf(d time.Duration) Duration { return Duration(d) }

func (t Time) Add(d Duration) Time { return t + Time(d) }

func (t Time) Sub(u Time) Duration { return Duration(t - u) }
