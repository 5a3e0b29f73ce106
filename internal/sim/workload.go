package sim

import (
	"fairsched/internal/sched"
)

// Workload pairs a task with synthetic behavior for the simulator.
type Workload struct {
	Task *sched.Task

	// BusyFor is how much CPU time the task consumes before blocking;
	// zero means CPU-bound, never blocking on its own.
	BusyFor sched.Duration
	// SleepFor is how long the task stays blocked before waking again.
	SleepFor sched.Duration
}

// CPUBound returns a workload that runs whenever it is given the CPU.
func CPUBound(id sched.TaskID, priority int, affinity sched.CPUMask) *Workload {
	return &Workload{Task: sched.NewTask(id, priority, affinity)}
}

// Interactive returns a workload that computes for busy, then sleeps for
// sleep, mimicking a task waiting on I/O.
func Interactive(id sched.TaskID, priority int, affinity sched.CPUMask, busy, sleep sched.Duration) *Workload {
	return &Workload{
		Task:     sched.NewTask(id, priority, affinity),
		BusyFor:  busy,
		SleepFor: sleep,
	}
}

func (w *Workload) interactive() bool { return w.BusyFor > 0 }
