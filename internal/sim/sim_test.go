package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairsched/internal/sched"
)

func simConfig(cpus int) sched.Config {
	return sched.Config{
		CPUs:             cpus,
		TargetLatencyUS:  16000,
		MinGranularityUS: 750,
		PeakLatencyUS:    24000,
	}
}

func TestHigherPriorityGetsLargerShare(t *testing.T) {
	s := New(simConfig(1))
	s.Add(CPUBound(1, 8, sched.MaskOf(0)))
	s.Add(CPUBound(2, 0, sched.MaskOf(0)))

	results := s.Run(400*sched.Millisecond, 250*sched.Microsecond)
	require.Len(t, results, 2)

	// Priority 8 is (5/4)^8 ≈ 6x the weight of priority 0.
	assert.Equal(t, sched.TaskID(1), results[0].ID)
	assert.Greater(t, results[0].Share, 3*results[1].Share)
	assert.Greater(t, results[1].Runtime, sched.Duration(0), "light task is not starved")
}

func TestInteractiveTaskYieldsCPU(t *testing.T) {
	s := New(simConfig(1))
	s.Add(CPUBound(1, 8, sched.MaskOf(0)))
	s.Add(Interactive(2, 8, sched.MaskOf(0), sched.Millisecond, 8*sched.Millisecond))

	results := s.Run(200*sched.Millisecond, 250*sched.Microsecond)
	require.Len(t, results, 2)
	assert.Equal(t, sched.TaskID(1), results[0].ID, "the CPU hog accumulates more time")
	assert.Greater(t, results[0].Runtime, 4*results[1].Runtime)
}

func TestRunIsDeterministic(t *testing.T) {
	build := func() *Simulator {
		s := New(simConfig(2))
		s.Add(CPUBound(1, 12, sched.AllCPUs(2)))
		s.Add(CPUBound(2, 8, sched.AllCPUs(2)))
		s.Add(CPUBound(3, 8, sched.AllCPUs(2)))
		s.Add(Interactive(4, 16, sched.AllCPUs(2), 2*sched.Millisecond, 6*sched.Millisecond))
		s.Add(Interactive(5, 16, sched.MaskOf(0), sched.Millisecond, 5*sched.Millisecond))
		return s
	}

	first := build().Run(250*sched.Millisecond, 250*sched.Microsecond)
	second := build().Run(250*sched.Millisecond, 250*sched.Microsecond)
	assert.Equal(t, first, second)
}

func TestAllCPUsBusyUnderLoad(t *testing.T) {
	s := New(simConfig(2))
	for i := 1; i <= 4; i++ {
		s.Add(CPUBound(sched.TaskID(i), 8, sched.AllCPUs(2)))
	}
	results := s.Run(100*sched.Millisecond, 250*sched.Microsecond)

	var total sched.Duration
	for _, r := range results {
		total += r.Runtime
	}
	// Two CPUs, 100ms wall clock: aggregate CPU time approaches 200ms.
	assert.Greater(t, total, 150*sched.Millisecond)
}
