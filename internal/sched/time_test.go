package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeightLadder(t *testing.T) {
	assert.Equal(t, WeightOne, WeightForPriority(0))
	for p := 1; p <= MaxPriority; p++ {
		prev := WeightForPriority(p - 1)
		cur := WeightForPriority(p)
		assert.Greater(t, cur, prev, "priority %d", p)
		assert.Equal(t, prev*5/4, cur, "priority %d is one ratio step up", p)
	}
}

func TestClampPriority(t *testing.T) {
	tests := []struct {
		name     string
		in       int
		expected int
	}{
		{"below range", -3, MinPriority},
		{"lower bound", MinPriority, MinPriority},
		{"mid range", 12, 12},
		{"upper bound", MaxPriority, MaxPriority},
		{"above range", 99, MaxPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClampPriority(tt.in))
		})
	}
}

func TestDurationScale(t *testing.T) {
	d := 16 * Millisecond
	assert.Equal(t, 8*Millisecond, d.Scale(2*WeightOne, 4*WeightOne))
	assert.Equal(t, d, d.Scale(3*WeightOne, 3*WeightOne))
	assert.Equal(t, 5*Millisecond, (10 * Millisecond).DivWeight(2*WeightOne))
}

func TestScaleByZeroWeightPanics(t *testing.T) {
	assert.Panics(t, func() {
		_ = Millisecond.Scale(WeightOne, 0)
	})
}

func TestManualClock(t *testing.T) {
	c := NewManualClock()
	assert.Equal(t, Time(0), c.Now())
	c.Advance(5 * Millisecond)
	assert.Equal(t, Time(5*Millisecond), c.Now())
	assert.Panics(t, func() { c.Set(Time(Millisecond)) })
}
