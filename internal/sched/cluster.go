// internal/sched/cluster.go

package sched

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// IPISender delivers reschedule interrupts to other CPUs. Fire and forget;
// the cluster never observes a result. Called only after the scheduling
// lock has been released.
type IPISender interface {
	SendReschedule(mask CPUMask)
}

// PreemptionTimer arms the callback that will eventually drive TimerTick
// for a CPU. Also called only outside the lock.
type PreemptionTimer interface {
	Arm(cpu CPUID, d Duration)
}

type nopIPISender struct{}

func (nopIPISender) SendReschedule(CPUMask) {}

type nopPreemptionTimer struct{}

func (nopPreemptionTimer) Arm(CPUID, Duration) {}

// Cluster owns one scheduling core per CPU behind a single scheduling lock.
// Every public method is a complete critical section: state is consistent on
// entry, consistent on exit, and IPIs/timer arms/trace events accumulated
// inside are flushed only after the lock is released.
type Cluster struct {
	mu    sync.Mutex
	cores []*core

	online CPUMask
	clock  Clock
	ipi    IPISender
	timer  PreemptionTimer
	trace  TraceSink
	log    zerolog.Logger
}

// NewCluster creates one scheduling core per CPU, all online, with the
// tuning parameters from cfg.
func NewCluster(cfg Config, clock Clock) *Cluster {
	params := cfg.Params()
	cores := make([]*core, cfg.CPUs)
	for i := range cores {
		cores[i] = newCore(CPUID(i), params)
	}
	return &Cluster{
		cores:  cores,
		online: AllCPUs(cfg.CPUs),
		clock:  clock,
		ipi:    nopIPISender{},
		timer:  nopPreemptionTimer{},
		log:    zerolog.Nop(),
	}
}

// SetIPISender installs the IPI transport. Must be called before tasks run.
func (cl *Cluster) SetIPISender(s IPISender) { cl.ipi = s }

// SetPreemptionTimer installs the preemption timer. Must be called before
// tasks run.
func (cl *Cluster) SetPreemptionTimer(t PreemptionTimer) { cl.timer = t }

// SetTraceSink installs an optional consumer for scheduling events.
func (cl *Cluster) SetTraceSink(s TraceSink) { cl.trace = s }

// SetLogger installs the cluster logger; Dump and debug traces go through it.
func (cl *Cluster) SetLogger(log zerolog.Logger) { cl.log = log }

// NumCPUs returns the cluster size, online or not.
func (cl *Cluster) NumCPUs() int { return len(cl.cores) }

// Online returns the mask of online CPUs.
func (cl *Cluster) Online() CPUMask {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.online
}

// pending collects the side effects of one critical section; they are
// applied after the lock is dropped so an IPI can never re-enter it.
type pending struct {
	ipis   CPUMask
	arms   []armReq
	events []Event
}

type armReq struct {
	cpu CPUID
	d   Duration
}

func (p *pending) ipi(c CPUID) { p.ipis |= 1 << uint(c) }

func (p *pending) arm(c CPUID, d Duration) { p.arms = append(p.arms, armReq{c, d}) }

func (p *pending) emit(ev Event) { p.events = append(p.events, ev) }

func (cl *Cluster) flush(p *pending) {
	if p.ipis != 0 {
		cl.ipi.SendReschedule(p.ipis)
	}
	for _, a := range p.arms {
		cl.timer.Arm(a.cpu, a.d)
	}
	for _, ev := range p.events {
		if cl.trace != nil {
			cl.trace.Trace(ev)
		}
		cl.log.Debug().
			Str("event", ev.Kind.String()).
			Uint64("task", uint64(ev.TaskID)).
			Int("cpu", int(ev.CPU)).
			Int64("vfinish", int64(ev.VFinish)).
			Msg("sched event")
	}
}

// InitializeTask (re)derives a task's weight from priority before it ever
// joins a run queue. The task must still be in its initial state.
func (cl *Cluster) InitializeTask(t *Task, priority int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if t.state != StateNew {
		panic("sched: InitializeTask on a task already admitted")
	}
	if t.Affinity.And(cl.online) == 0 {
		panic(fmt.Sprintf("sched: task %d affinity %v has no online CPU", t.ID, t.Affinity))
	}
	t.priority = ClampPriority(priority)
	t.weight = WeightForPriority(t.priority)
}

// Unblock makes a blocked or new task runnable, picks a target CPU for it,
// and enqueues it there. It returns the chosen CPU; if the new arrival
// should preempt that CPU's active task, a reschedule IPI is sent after the
// lock drops.
func (cl *Cluster) Unblock(t *Task) CPUID {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	target := cl.findTargetCPU(t)
	c := cl.cores[target]
	c.enqueue(now, t, PlaceInsertion)
	if c.active == nil || compareQueueKeys(t.key(), c.active.key()) < 0 {
		p.ipi(target)
	}
	runnableGauge(target, c.runnableCount)
	p.emit(Event{At: now, Kind: EventUnblock, TaskID: t.ID, CPU: target, VFinish: t.vfinish})
	cl.mu.Unlock()
	cl.flush(&p)
	return target
}

// UnblockAll unblocks a batch of tasks under one lock acquisition, e.g. a
// wait queue being woken.
func (cl *Cluster) UnblockAll(tasks []*Task) {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	for _, t := range tasks {
		target := cl.findTargetCPU(t)
		c := cl.cores[target]
		c.enqueue(now, t, PlaceInsertion)
		if c.active == nil || compareQueueKeys(t.key(), c.active.key()) < 0 {
			p.ipi(target)
		}
		runnableGauge(target, c.runnableCount)
		p.emit(Event{At: now, Kind: EventUnblock, TaskID: t.ID, CPU: target, VFinish: t.vfinish})
	}
	cl.mu.Unlock()
	cl.flush(&p)
}

// Block removes cpu's active task from its scheduling domain because the
// task is about to wait. The next task is dispatched and returned; nil
// means the CPU went idle. The caller performs the actual context switch.
func (cl *Cluster) Block(cpu CPUID) *Task {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	c := cl.cores[cpu]
	cur := c.active
	if cur == nil {
		panic("sched: Block with no active task")
	}
	c.updateTimeline(now)
	c.chargeActive(now)
	cur.setState(StateBlocked)
	c.leave(cur)
	p.emit(Event{At: now, Kind: EventBlock, TaskID: cur.ID, CPU: cpu})
	next := cl.dispatch(c, now, false, &p)
	if next == nil {
		p.emit(Event{At: now, Kind: EventIdle, CPU: cpu})
	}
	cl.mu.Unlock()
	cl.flush(&p)
	return next
}

// Terminate retires cpu's active task for good and dispatches the next one.
func (cl *Cluster) Terminate(cpu CPUID) *Task {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	c := cl.cores[cpu]
	cur := c.active
	if cur == nil {
		panic("sched: Terminate with no active task")
	}
	c.updateTimeline(now)
	c.chargeActive(now)
	cur.setState(StateTerminated)
	c.leave(cur)
	next := cl.dispatch(c, now, false, &p)
	if next == nil {
		p.emit(Event{At: now, Kind: EventIdle, CPU: cpu})
	}
	cl.mu.Unlock()
	cl.flush(&p)
	return next
}

// Yield re-evaluates cpu's active task as if its slice had expired.
func (cl *Cluster) Yield(cpu CPUID) *Task {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	c := cl.cores[cpu]
	if c.active != nil {
		p.emit(Event{At: now, Kind: EventYield, TaskID: c.active.ID, CPU: cpu})
	}
	next := cl.dispatch(c, now, true, &p)
	cl.mu.Unlock()
	cl.flush(&p)
	return next
}

// Reschedule forces an evaluation on cpu right now, e.g. in response to an
// IPI. Expiry is judged against the clock rather than assumed.
func (cl *Cluster) Reschedule(cpu CPUID) *Task {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	c := cl.cores[cpu]
	next := cl.dispatch(c, now, c.sliceExpired(now), &p)
	cl.mu.Unlock()
	cl.flush(&p)
	return next
}

// Preempt is Reschedule under its kernel-facing name.
func (cl *Cluster) Preempt(cpu CPUID) *Task { return cl.Reschedule(cpu) }

// TimerTick is the periodic preemption check for cpu: if the active task's
// slice expired, or the active set's weight drifted since dispatch, the CPU
// re-evaluates; otherwise the timer is re-armed for the remainder.
func (cl *Cluster) TimerTick(cpu CPUID) *Task {
	var p pending
	cl.mu.Lock()
	now := cl.clock.Now()
	c := cl.cores[cpu]
	if c.active == nil {
		cl.mu.Unlock()
		return nil
	}
	if c.weightDrifted() {
		// Mid-slice weight change: shrink or stretch the slice now
		// instead of letting the stale allotment run out.
		c.active.slice = c.calculateTimeslice(c.active)
		c.scheduledWeightTotal = c.weightTotal
	}
	var next *Task
	if c.sliceExpired(now) {
		next = cl.dispatch(c, now, true, &p)
	} else {
		next = c.active
		p.arm(cpu, c.active.slice-now.Sub(c.sliceStart))
	}
	cl.mu.Unlock()
	cl.flush(&p)
	return next
}

// dispatch runs one evaluation on c and records the side effects. Callers
// hold the lock.
func (cl *Cluster) dispatch(c *core, now Time, expired bool, p *pending) *Task {
	prev := c.active
	next, fresh := c.evaluateNextThread(now, expired)
	runnableGauge(c.id, c.runnableCount)
	if !fresh {
		return next
	}
	if prev != nil && prev != next && prev.state == StateReady {
		preemptionsTotal.Inc()
		p.emit(Event{At: now, Kind: EventPreempt, TaskID: prev.ID, CPU: c.id, VFinish: prev.vfinish})
	}
	if next != prev {
		contextSwitchesTotal.Inc()
	}
	p.arm(c.id, next.slice)
	p.emit(Event{At: now, Kind: EventDispatch, TaskID: next.ID, CPU: c.id, VFinish: next.vfinish, Slice: next.slice})
	return next
}

// ChangeWeight re-bases a task's priority and weight.
func (cl *Cluster) ChangeWeight(t *Task, priority int) {
	var p pending
	cl.mu.Lock()
	cl.updateWeightCommon(t, priority, false, &p)
	cl.mu.Unlock()
	cl.flush(&p)
}

// InheritWeight lends a task the weight of the given priority without
// touching its base priority; used by priority-inheritance protocols to
// keep a lock holder from stalling a heavier waiter.
func (cl *Cluster) InheritWeight(t *Task, priority int) {
	var p pending
	cl.mu.Lock()
	cl.updateWeightCommon(t, priority, true, &p)
	cl.mu.Unlock()
	cl.flush(&p)
}

// updateWeightCommon is the single funnel for weight changes. A queued task
// is re-keyed in place under PlaceAdjustment; an active task's CPU gets its
// aggregate updated (creating the drift TimerTick reacts to) and an IPI.
// The IPI mask lands in p and is sent only after the lock drops.
func (cl *Cluster) updateWeightCommon(t *Task, priority int, inherited bool, p *pending) {
	priority = ClampPriority(priority)
	if !inherited {
		t.priority = priority
	}
	old := t.weight
	w := WeightForPriority(priority)
	if old == w {
		return
	}
	now := cl.clock.Now()
	switch {
	case t.queued:
		c := cl.cores[t.curCPU]
		c.updateTimeline(now)
		c.queue.remove(t)
		t.weight = w
		c.weightTotal += w - old
		c.placeKey(t, PlaceAdjustment)
		c.queue.insert(t)
		p.ipi(t.curCPU)
	case t.curCPU != InvalidCPU:
		// Active on some CPU.
		c := cl.cores[t.curCPU]
		c.updateTimeline(now)
		t.weight = w
		c.weightTotal += w - old
		p.ipi(t.curCPU)
	default:
		// Blocked or new; the weight takes effect on the next enqueue.
		t.weight = w
	}
	p.emit(Event{At: now, Kind: EventWeightChange, TaskID: t.ID, CPU: t.curCPU, VFinish: t.vfinish})
}

// findTargetCPU picks an online CPU inside t's affinity mask: the CPU the
// task last ran on if it is idle, otherwise the least-loaded eligible CPU
// by weight (lowest id on ties). Heuristic beyond the affinity guarantee.
func (cl *Cluster) findTargetCPU(t *Task) CPUID {
	eligible := t.Affinity.And(cl.online)
	if eligible == 0 {
		panic(fmt.Sprintf("sched: task %d affinity %v has no online CPU", t.ID, t.Affinity))
	}
	if last := t.lastCPU; last != InvalidCPU && eligible.Has(last) && cl.cores[last].active == nil {
		return last
	}
	best := InvalidCPU
	var bestWeight Weight
	for rest := eligible; rest != 0; {
		id := rest.First()
		rest = rest.Without(id)
		if w := cl.cores[id].weightTotal; best == InvalidCPU || w < bestWeight {
			best, bestWeight = id, w
		}
	}
	return best
}

// SetOffline takes cpu out of service after migrating every queued task off
// of it. The request is rejected up front, before anything moves, if any
// queued task is pinned such that no other online CPU can host it. The
// CPU's active task, if any, keeps running until its caller blocks or
// terminates it; new work no longer lands here.
func (cl *Cluster) SetOffline(cpu CPUID) error {
	var p pending
	cl.mu.Lock()
	if !cl.online.Has(cpu) {
		cl.mu.Unlock()
		return fmt.Errorf("sched: cpu %d is already offline", cpu)
	}
	remaining := cl.online.Without(cpu)
	if remaining == 0 {
		cl.mu.Unlock()
		return fmt.Errorf("sched: cpu %d is the last online cpu", cpu)
	}

	c := cl.cores[cpu]
	for _, t := range c.queue.tasks() {
		if t.Affinity.And(remaining) == 0 {
			cl.mu.Unlock()
			return fmt.Errorf("sched: task %d is pinned to cpu %d going offline: %w",
				t.ID, cpu, ErrAffinityViolation)
		}
	}

	cl.online = remaining
	now := cl.clock.Now()
	c.updateTimeline(now)
	for _, t := range c.queue.tasks() {
		c.leave(t)
		target := cl.findTargetCPU(t)
		dst := cl.cores[target]
		// Fresh insertion point and generation in the new domain.
		dst.enqueue(now, t, PlaceInsertion)
		migrationsTotal.Inc()
		if dst.active == nil || compareQueueKeys(t.key(), dst.active.key()) < 0 {
			p.ipi(target)
		}
		runnableGauge(target, dst.runnableCount)
		p.emit(Event{At: now, Kind: EventMigrate, TaskID: t.ID, CPU: target, VFinish: t.vfinish})
	}
	runnableGauge(cpu, c.runnableCount)
	cl.mu.Unlock()
	cl.flush(&p)
	return nil
}

// SetOnline returns a previously offlined CPU to service.
func (cl *Cluster) SetOnline(cpu CPUID) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.online |= 1 << uint(cpu)
}

// ErrAffinityViolation marks an offline request rejected because a pinned
// task would be left with nowhere to run.
var ErrAffinityViolation = fmt.Errorf("affinity leaves no eligible cpu")

// QueuedTaskInfo is one run-queue entry as seen by Snapshot.
type QueuedTaskInfo struct {
	ID         TaskID
	Priority   int
	Weight     Weight
	VFinish    Time
	Generation uint64
}

// CoreSnapshot is a consistent copy of one CPU's scheduling state.
type CoreSnapshot struct {
	CPU           CPUID
	Online        bool
	RunnableCount int
	WeightTotal   Weight
	VirtualTime   Time
	PeriodGrans   int64
	Active        *QueuedTaskInfo
	Queue         []QueuedTaskInfo
}

// Snapshot copies every core's state under one lock acquisition.
func (cl *Cluster) Snapshot() []CoreSnapshot {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]CoreSnapshot, len(cl.cores))
	for i, c := range cl.cores {
		snap := CoreSnapshot{
			CPU:           c.id,
			Online:        cl.online.Has(c.id),
			RunnableCount: c.runnableCount,
			WeightTotal:   c.weightTotal,
			VirtualTime:   c.virtualTime,
			PeriodGrans:   c.periodGrans,
		}
		if c.active != nil {
			info := taskInfo(c.active)
			snap.Active = &info
		}
		c.queue.walk(func(t *Task) {
			snap.Queue = append(snap.Queue, taskInfo(t))
		})
		out[i] = snap
	}
	return out
}

func taskInfo(t *Task) QueuedTaskInfo {
	return QueuedTaskInfo{
		ID:         t.ID,
		Priority:   t.priority,
		Weight:     t.weight,
		VFinish:    t.vfinish,
		Generation: t.generation,
	}
}

// Dump writes the run-queue contents of every CPU to the cluster logger.
func (cl *Cluster) Dump() {
	for _, snap := range cl.Snapshot() {
		ev := cl.log.Info().
			Int("cpu", int(snap.CPU)).
			Bool("online", snap.Online).
			Int("runnable", snap.RunnableCount).
			Str("weight_total", snap.WeightTotal.String()).
			Int64("virtual_time", int64(snap.VirtualTime))
		if snap.Active != nil {
			ev = ev.Uint64("active", uint64(snap.Active.ID))
		}
		queued := make([]string, 0, len(snap.Queue))
		for _, q := range snap.Queue {
			queued = append(queued, fmt.Sprintf("%d@%d.%d", q.ID, q.VFinish, q.Generation))
		}
		ev.Strs("queue", queued).Msg("run queue")
	}
}
