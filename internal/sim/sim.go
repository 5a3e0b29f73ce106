package sim

import (
	"sort"
	"sync"

	"fairsched/internal/sched"
)

// Simulator drives a cluster with a manual clock in fixed ticks. Identical
// workloads and tick size replay the exact same decision sequence.
type Simulator struct {
	cluster   *sched.Cluster
	clock     *sched.ManualClock
	workloads []*Workload

	ipi *ipiCollector

	// Per-task bookkeeping the simulator (not the scheduler) owns.
	busySince map[sched.TaskID]sched.Duration // CPU time consumed since last wake
	wakeAt    map[sched.TaskID]sched.Time
}

// ipiCollector records reschedule requests so the next tick can service
// them, standing in for real inter-processor interrupts.
type ipiCollector struct {
	mu      sync.Mutex
	pending sched.CPUMask
}

func (c *ipiCollector) SendReschedule(mask sched.CPUMask) {
	c.mu.Lock()
	c.pending |= mask
	c.mu.Unlock()
}

func (c *ipiCollector) drain() sched.CPUMask {
	c.mu.Lock()
	m := c.pending
	c.pending = 0
	c.mu.Unlock()
	return m
}

// New wires a simulator around a fresh cluster built from cfg.
func New(cfg sched.Config) *Simulator {
	clock := sched.NewManualClock()
	cluster := sched.NewCluster(cfg, clock)
	ipi := &ipiCollector{}
	cluster.SetIPISender(ipi)
	return &Simulator{
		cluster:   cluster,
		clock:     clock,
		ipi:       ipi,
		busySince: make(map[sched.TaskID]sched.Duration),
		wakeAt:    make(map[sched.TaskID]sched.Time),
	}
}

// Cluster exposes the simulated cluster, e.g. for Dump or a trace sink.
func (s *Simulator) Cluster() *sched.Cluster { return s.cluster }

// Add admits a workload; the task becomes runnable immediately.
func (s *Simulator) Add(w *Workload) {
	s.workloads = append(s.workloads, w)
	s.cluster.InitializeTask(w.Task, w.Task.Priority())
	s.cluster.Unblock(w.Task)
}

// TaskResult is one task's share of the simulated run.
type TaskResult struct {
	ID      sched.TaskID
	Runtime sched.Duration
	Share   float64
}

// Run advances the clock in ticks for the given span and returns per-task
// CPU time, largest share first.
func (s *Simulator) Run(span, tick sched.Duration) []TaskResult {
	byID := make(map[sched.TaskID]*Workload, len(s.workloads))
	for _, w := range s.workloads {
		byID[w.Task.ID] = w
	}

	for elapsed := sched.Duration(0); elapsed < span; elapsed += tick {
		now := s.clock.Advance(tick)

		// Wake sleepers that are due, in task-id order so a run with the
		// same inputs replays the same unblock sequence.
		var due []sched.TaskID
		for id, at := range s.wakeAt {
			if at <= now {
				due = append(due, id)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
		for _, id := range due {
			delete(s.wakeAt, id)
			s.busySince[id] = 0
			s.cluster.Unblock(byID[id].Task)
		}

		// Service pending reschedule interrupts.
		for mask := s.ipi.drain(); mask != 0; {
			cpu := mask.First()
			mask = mask.Without(cpu)
			s.cluster.Reschedule(cpu)
		}

		// Account this tick of CPU time and let interactive tasks block.
		for _, snap := range s.cluster.Snapshot() {
			if snap.Active == nil {
				continue
			}
			w := byID[snap.Active.ID]
			s.busySince[snap.Active.ID] += tick
			if w.interactive() && s.busySince[snap.Active.ID] >= w.BusyFor {
				s.cluster.Block(snap.CPU)
				s.wakeAt[snap.Active.ID] = now.Add(w.SleepFor)
				continue
			}
			s.cluster.TimerTick(snap.CPU)
		}
	}

	// Settle runtime accounting for whatever is still on CPU.
	for _, snap := range s.cluster.Snapshot() {
		if snap.Active != nil {
			s.cluster.Yield(snap.CPU)
		}
	}

	var total sched.Duration
	results := make([]TaskResult, 0, len(s.workloads))
	for _, w := range s.workloads {
		total += w.Task.Runtime()
	}
	for _, w := range s.workloads {
		r := TaskResult{ID: w.Task.ID, Runtime: w.Task.Runtime()}
		if total > 0 {
			r.Share = float64(r.Runtime) / float64(total)
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Runtime != results[j].Runtime {
			return results[i].Runtime > results[j].Runtime
		}
		return results[i].ID < results[j].ID
	})
	return results
}
