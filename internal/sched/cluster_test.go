package sched

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(cpus int) Config {
	return Config{
		CPUs:             cpus,
		TargetLatencyUS:  16000,
		MinGranularityUS: 750,
		PeakLatencyUS:    24000,
	}
}

func newTestCluster(t *testing.T, cpus int) (*Cluster, *ManualClock) {
	t.Helper()
	clock := NewManualClock()
	return NewCluster(testConfig(cpus), clock), clock
}

type recordingIPI struct {
	mu    sync.Mutex
	masks []CPUMask
}

func (r *recordingIPI) SendReschedule(mask CPUMask) {
	r.mu.Lock()
	r.masks = append(r.masks, mask)
	r.mu.Unlock()
}

func (r *recordingIPI) last() CPUMask {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.masks) == 0 {
		return 0
	}
	return r.masks[len(r.masks)-1]
}

// ownershipCount returns how many {run queue, active pointer} slots across
// the cluster reference each task.
func ownershipCount(cl *Cluster) map[TaskID]int {
	counts := make(map[TaskID]int)
	for _, snap := range cl.Snapshot() {
		if snap.Active != nil {
			counts[snap.Active.ID]++
		}
		for _, q := range snap.Queue {
			counts[q.ID]++
		}
	}
	return counts
}

func assertSingleOwnership(t *testing.T, cl *Cluster) {
	t.Helper()
	for id, n := range ownershipCount(cl) {
		assert.LessOrEqual(t, n, 1, "task %d owned by %d slots", id, n)
	}
}

func TestSingleOwnershipAcrossOperations(t *testing.T) {
	cl, clock := newTestCluster(t, 2)

	tasks := make([]*Task, 4)
	for i := range tasks {
		tasks[i] = NewTask(TaskID(i+1), 8, AllCPUs(2))
		cl.InitializeTask(tasks[i], 8)
		cl.Unblock(tasks[i])
		assertSingleOwnership(t, cl)
	}

	cl.Reschedule(0)
	cl.Reschedule(1)
	assertSingleOwnership(t, cl)

	clock.Advance(2 * Millisecond)
	cl.Yield(0)
	assertSingleOwnership(t, cl)

	blocked := cl.activeTask(1)
	require.NotNil(t, blocked)
	cl.Block(1)
	assertSingleOwnership(t, cl)
	assert.Equal(t, StateBlocked, blocked.State())

	cl.Unblock(blocked)
	assertSingleOwnership(t, cl)

	clock.Advance(20 * Millisecond)
	cl.TimerTick(0)
	cl.TimerTick(1)
	assertSingleOwnership(t, cl)
}

// activeTask is a test helper reaching into the guarded state.
func (cl *Cluster) activeTask(cpu CPUID) *Task {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.cores[cpu].active
}

// Two always-runnable tasks with a 2:1 weight ratio split the CPU 2:1.
func TestProportionalShareSteadyState(t *testing.T) {
	cl, clock := newTestCluster(t, 1)

	heavy := weightedTask(1, 2*WeightOne)
	heavy.Affinity = MaskOf(0)
	light := weightedTask(2, WeightOne)
	light.Affinity = MaskOf(0)
	cl.Unblock(heavy)
	cl.Unblock(light)
	cl.Reschedule(0)

	// Let expiries land exactly on slice boundaries for 200 turns.
	for i := 0; i < 200; i++ {
		active := cl.activeTask(0)
		require.NotNil(t, active)
		clock.Advance(active.slice)
		cl.TimerTick(0)
	}

	ratio := float64(heavy.Runtime()) / float64(light.Runtime())
	assert.InDelta(t, 2.0, ratio, 0.1)

	total := heavy.Runtime() + light.Runtime()
	assert.Equal(t, Duration(clock.Now()), total, "every nanosecond accounted")
}

func TestWeightChangeWhileQueuedKeepsPlace(t *testing.T) {
	cl, clock := newTestCluster(t, 1)

	runner := NewTask(1, 8, MaskOf(0))
	cl.Unblock(runner)
	cl.Reschedule(0)

	waiter := NewTask(2, 8, MaskOf(0))
	cl.Unblock(waiter)
	require.Equal(t, StateReady, waiter.State())
	vstart, gen := waiter.vstart, waiter.generation

	// Time passes while queued; the weight change must not re-key the
	// task at the current virtual time.
	clock.Advance(5 * Millisecond)
	cl.ChangeWeight(waiter, 16)

	assert.Equal(t, vstart, waiter.vstart, "insertion point preserved")
	assert.Equal(t, gen, waiter.generation, "generation preserved")
	assert.Equal(t, WeightForPriority(16), waiter.Weight())
	assert.Equal(t, 16, waiter.Priority())
}

func TestInheritWeightKeepsBasePriority(t *testing.T) {
	cl, _ := newTestCluster(t, 1)

	task := NewTask(1, 4, MaskOf(0))
	cl.Unblock(task)

	cl.InheritWeight(task, 20)
	assert.Equal(t, WeightForPriority(20), task.Weight())
	assert.Equal(t, 4, task.Priority(), "base priority untouched")
}

func TestWeightChangeOnActiveForcesSliceRecompute(t *testing.T) {
	cl, clock := newTestCluster(t, 1)
	ipi := &recordingIPI{}
	cl.SetIPISender(ipi)

	a := NewTask(1, 8, MaskOf(0))
	b := NewTask(2, 8, MaskOf(0))
	cl.Unblock(a)
	cl.Unblock(b)
	cl.Reschedule(0)

	active := cl.activeTask(0)
	require.NotNil(t, active)
	oldSlice := active.slice

	// Drop the active task's weight mid-slice: the hosting CPU gets an
	// IPI and the next tick shrinks the slice before natural expiry.
	cl.ChangeWeight(active, 0)
	assert.True(t, ipi.last().Has(0))

	clock.Advance(Millisecond) // well before expiry
	cl.TimerTick(0)
	require.Same(t, active, cl.activeTask(0))
	assert.Less(t, active.slice, oldSlice)
}

func TestMigrationHonorsAffinity(t *testing.T) {
	cl, _ := newTestCluster(t, 3)

	// Keep CPU 0 loaded so the {0,2} task prefers CPU 2.
	filler := NewTask(99, 10, MaskOf(0))
	cl.Unblock(filler)
	cl.Reschedule(0)

	pinned := NewTask(1, 4, MaskOf(2))
	both := NewTask(2, 4, MaskOf(0, 2))
	require.Equal(t, CPUID(2), cl.Unblock(pinned))
	require.Equal(t, CPUID(2), cl.Unblock(both))

	// A task pinned solely to the dying CPU rejects the request up front.
	err := cl.SetOffline(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAffinityViolation))
	assert.True(t, cl.Online().Has(2), "rejected offline leaves the CPU online")
	assert.Equal(t, CPUID(2), pinned.CurrentCPU(), "nothing moved")
	assert.Equal(t, CPUID(2), both.CurrentCPU(), "nothing moved")

	// Widen the pin and retry: everything lands inside its mask.
	pinned.Affinity = AllCPUs(3)
	require.NoError(t, cl.SetOffline(2))
	assert.False(t, cl.Online().Has(2))

	assert.Equal(t, CPUID(0), both.CurrentCPU(), "only CPU 0 remains in its mask")
	assert.True(t, pinned.Affinity.Has(pinned.CurrentCPU()))
	assert.NotEqual(t, CPUID(2), pinned.CurrentCPU())
	assertSingleOwnership(t, cl)
}

func TestOfflineLastCPURejected(t *testing.T) {
	cl, _ := newTestCluster(t, 1)
	assert.Error(t, cl.SetOffline(0))
}

func TestUnblockPrefersIdleLastCPU(t *testing.T) {
	cl, _ := newTestCluster(t, 3)

	task := NewTask(1, 8, MaskOf(1, 2))
	cl.Unblock(task)
	cl.Reschedule(1)
	require.Equal(t, CPUID(1), task.LastCPU())
	cl.Block(1)

	// All CPUs idle: cache affinity beats the lowest-id tie-break.
	task.Affinity = AllCPUs(3)
	assert.Equal(t, CPUID(1), cl.Unblock(task))
}

func TestUnblockWithNoEligibleCPUPanics(t *testing.T) {
	cl, _ := newTestCluster(t, 2)
	orphan := NewTask(1, 8, MaskOf())
	assert.Panics(t, func() { cl.Unblock(orphan) })
}

func TestBlockWhileIdlePanics(t *testing.T) {
	cl, _ := newTestCluster(t, 1)
	assert.Panics(t, func() { cl.Block(0) })
}

// Replaying the same operation script against two fresh clusters yields an
// identical dispatch sequence.
func TestDeterministicReplay(t *testing.T) {
	script := func() []TaskID {
		clock := NewManualClock()
		cl := NewCluster(testConfig(2), clock)

		var dispatched []TaskID
		cl.SetTraceSink(TraceFunc(func(ev Event) {
			if ev.Kind == EventDispatch {
				dispatched = append(dispatched, ev.TaskID)
			}
		}))

		tasks := make([]*Task, 6)
		for i := range tasks {
			tasks[i] = NewTask(TaskID(i+1), 4+2*i, AllCPUs(2))
			cl.Unblock(tasks[i])
		}
		cl.Reschedule(0)
		cl.Reschedule(1)
		for i := 0; i < 40; i++ {
			clock.Advance(Millisecond)
			cl.TimerTick(0)
			cl.TimerTick(1)
			if i%7 == 3 {
				cl.Yield(0)
			}
			if i%11 == 5 {
				cl.ChangeWeight(tasks[i%len(tasks)], 20-i%10)
			}
		}
		return dispatched
	}

	first := script()
	second := script()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}
