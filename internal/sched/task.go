// internal/sched/task.go

package sched

import (
	"fmt"
	"math/bits"
	"strings"
)

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

// CPUID indexes a logical CPU inside one cluster.
type CPUID int

// InvalidCPU marks "no CPU", e.g. a task that has never run.
const InvalidCPU CPUID = -1

// CPUMask is an affinity set over at most 64 CPUs. A hard pin is a mask
// with exactly one bit set.
type CPUMask uint64

// MaskOf builds a mask from explicit CPU ids.
func MaskOf(cpus ...CPUID) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		m |= 1 << uint(c)
	}
	return m
}

// AllCPUs is the full mask for a cluster of n CPUs.
func AllCPUs(n int) CPUMask {
	if n >= 64 {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

func (m CPUMask) Has(c CPUID) bool { return m&(1<<uint(c)) != 0 }

func (m CPUMask) Count() int { return bits.OnesCount64(uint64(m)) }

func (m CPUMask) Without(c CPUID) CPUMask { return m &^ (1 << uint(c)) }

func (m CPUMask) And(o CPUMask) CPUMask { return m & o }

// First returns the lowest CPU id in the mask, or InvalidCPU if empty.
func (m CPUMask) First() CPUID {
	if m == 0 {
		return InvalidCPU
	}
	return CPUID(bits.TrailingZeros64(uint64(m)))
}

func (m CPUMask) String() string {
	var ids []string
	for rest := m; rest != 0; {
		c := rest.First()
		ids = append(ids, fmt.Sprintf("%d", c))
		rest = rest.Without(c)
	}
	return "{" + strings.Join(ids, ",") + "}"
}

// TaskState is the scheduler's view of a task. A task is in exactly one
// state at any time; transitions happen only under the scheduling lock.
type TaskState int

const (
	StateNew TaskState = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s TaskState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var legalTransitions = map[TaskState][]TaskState{
	StateNew:     {StateReady},
	StateReady:   {StateRunning, StateReady},
	StateRunning: {StateReady, StateBlocked, StateTerminated},
	StateBlocked: {StateReady},
}

// Task is one schedulable unit. Callers construct a task, hand it to the
// cluster, and afterwards read it only through the accessors; the scheduler
// owns every unexported field.
type Task struct {
	ID       TaskID
	Affinity CPUMask

	priority int
	weight   Weight
	state    TaskState

	// Virtual timeline key: vfinish is the primary sort component,
	// generation breaks exact ties FIFO. vstart is retained so a weight
	// change can recompute vfinish without forfeiting accrued queue time.
	vstart     Time
	vfinish    Time
	generation uint64

	slice   Duration // allotment for the current dispatch
	runtime Duration // cumulative real CPU time received

	curCPU  CPUID // CPU whose scheduling domain accounts this task
	lastCPU CPUID // last CPU this task ran on, for cache affinity
	queued  bool  // member of a run queue right now
}

// NewTask creates a task with a clamped priority and the derived weight.
// The task joins no run queue until the cluster admits it.
func NewTask(id TaskID, priority int, affinity CPUMask) *Task {
	priority = ClampPriority(priority)
	return &Task{
		ID:       id,
		Affinity: affinity,
		priority: priority,
		weight:   WeightForPriority(priority),
		state:    StateNew,
		curCPU:   InvalidCPU,
		lastCPU:  InvalidCPU,
	}
}

func (t *Task) Priority() int { return t.priority }

func (t *Task) Weight() Weight { return t.weight }

func (t *Task) State() TaskState { return t.state }

func (t *Task) Runtime() Duration { return t.runtime }

func (t *Task) LastCPU() CPUID { return t.lastCPU }

func (t *Task) CurrentCPU() CPUID { return t.curCPU }

func (t *Task) setState(next TaskState) {
	for _, ok := range legalTransitions[t.state] {
		if ok == next {
			t.state = next
			return
		}
	}
	panic(fmt.Sprintf("sched: task %d illegal transition %v -> %v", t.ID, t.state, next))
}

// key is the run-queue ordering key. Generation uniqueness guarantees no
// two queued tasks ever compare equal.
func (t *Task) key() queueKey {
	return queueKey{vfinish: t.vfinish, generation: t.generation}
}
