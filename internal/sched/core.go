// internal/sched/core.go

package sched

// Placement selects how a task's virtual-timeline key is computed when it
// enters a run queue.
type Placement int

const (
	// PlaceInsertion derives a fresh key from the CPU's current virtual
	// time; used for new arrivals, wakeups, requeues and migrations.
	PlaceInsertion Placement = iota
	// PlaceAdjustment keeps the original insertion point and generation
	// and only recomputes the finish offset with the new weight; used for
	// weight changes while queued so the task neither jumps the queue nor
	// forfeits time already spent waiting.
	PlaceAdjustment
)

// Params are the per-cluster tuning knobs governing period and timeslice
// computation.
type Params struct {
	// TargetLatency is the nominal scheduling period: the window within
	// which every runnable task should get one turn.
	TargetLatency Duration
	// MinGranularity is the smallest timeslice worth dispatching; the
	// period stretches beyond TargetLatency rather than slicing thinner.
	MinGranularity Duration
	// PeakLatency caps period growth. Past it the CPU is oversubscribed
	// and every task gets exactly MinGranularity.
	PeakLatency Duration
}

// DefaultParams mirrors the config defaults.
func DefaultParams() Params {
	return Params{
		TargetLatency:  16 * Millisecond,
		MinGranularity: 750 * Microsecond,
		PeakLatency:    24 * Millisecond,
	}
}

// core is the scheduling state of one CPU. All fields are guarded by the
// cluster's scheduling lock; nothing here locks on its own.
type core struct {
	id     CPUID
	params Params

	queue  *runQueue
	active *Task // nil when the CPU is idle

	// generation increments on every fresh insertion into this CPU's
	// queue and never resets; it is the key tie-breaker.
	generation uint64

	// Aggregates over {queued} ∪ {active}, excluding idle.
	runnableCount int
	weightTotal   Weight

	// scheduledWeightTotal snapshots weightTotal at dispatch; drift
	// between the two means a weight changed mid-slice and the slice
	// must be recomputed before its natural expiry.
	scheduledWeightTotal Weight

	virtualTime Time
	lastUpdate  Time
	sliceStart  Time
	periodGrans int64
}

func newCore(id CPUID, params Params) *core {
	return &core{
		id:     id,
		params: params,
		queue:  newRunQueue(),
	}
}

// updateTimeline advances this CPU's virtual clock to now. Virtual time
// moves at 1/weightTotal of real time, so a heavily loaded CPU stretches
// its timeline and queued finish keys stay meaningful across load changes.
func (c *core) updateTimeline(now Time) {
	dt := now.Sub(c.lastUpdate)
	if dt > 0 && c.weightTotal > 0 {
		c.virtualTime = c.virtualTime.Add(dt.DivWeight(c.weightTotal))
	}
	c.lastUpdate = now
}

// updatePeriod returns the current scheduling period:
// max(TargetLatency, MinGranularity * runnableCount).
func (c *core) updatePeriod() Duration {
	period := c.params.TargetLatency
	if scaled := c.params.MinGranularity * Duration(c.runnableCount); scaled > period {
		period = scaled
	}
	c.periodGrans = int64(period / c.params.MinGranularity)
	return period
}

// oversubscribed reports whether the period estimate has outgrown
// PeakLatency; past that point proportional fairness gives way to a flat
// MinGranularity slice per task.
func (c *core) oversubscribed() bool {
	return c.params.MinGranularity*Duration(c.runnableCount) > c.params.PeakLatency
}

// calculateTimeslice returns t's real-time allotment for one period:
// period * weight / weightTotal, floored at MinGranularity.
func (c *core) calculateTimeslice(t *Task) Duration {
	if c.oversubscribed() {
		return c.params.MinGranularity
	}
	slice := c.updatePeriod().Scale(t.weight, c.weightTotal)
	if slice < c.params.MinGranularity {
		slice = c.params.MinGranularity
	}
	return slice
}

// placeKey computes t's run-queue key. Under PlaceInsertion the insertion
// point is the CPU's current virtual time and a fresh generation is drawn;
// under PlaceAdjustment both survive and only the finish offset changes.
// The finish offset is the task's expected timeslice divided by its weight:
// with proportional slices that offset is (nearly) the same for every task,
// so turns rotate FIFO while slice lengths carry the weighting.
func (c *core) placeKey(t *Task, placement Placement) {
	if placement == PlaceInsertion {
		t.vstart = c.virtualTime
		c.generation++
		t.generation = c.generation
	}
	t.vfinish = t.vstart.Add(c.calculateTimeslice(t).DivWeight(t.weight))
}

// enqueue admits t into this CPU's scheduling domain as ready. The caller
// holds the scheduling lock and has verified affinity.
func (c *core) enqueue(now Time, t *Task, placement Placement) {
	if t.curCPU != InvalidCPU {
		panic("sched: enqueue of task already owned by a CPU")
	}
	c.updateTimeline(now)
	t.curCPU = c.id
	c.weightTotal += t.weight
	c.runnableCount++
	c.placeKey(t, placement)
	t.setState(StateReady)
	c.queue.insert(t)
}

// leave removes t from this CPU's domain entirely, updating aggregates.
// t may be queued or active; the caller settles its state afterwards.
func (c *core) leave(t *Task) {
	if t.curCPU != c.id {
		panic("sched: leave from wrong CPU")
	}
	if t.queued {
		c.queue.remove(t)
	}
	if c.active == t {
		c.active = nil
	}
	c.weightTotal -= t.weight
	c.runnableCount--
	if c.runnableCount < 0 || c.weightTotal < 0 {
		panic("sched: negative aggregate accounting")
	}
	t.curCPU = InvalidCPU
}

// chargeActive credits the active task with the real time it has consumed
// since dispatch. Called only at dispatch boundaries.
func (c *core) chargeActive(now Time) {
	if c.active == nil {
		return
	}
	if ran := now.Sub(c.sliceStart); ran > 0 {
		c.active.runtime += ran
	}
}

// sliceExpired reports whether the active task has used up its allotment.
func (c *core) sliceExpired(now Time) bool {
	return c.active != nil && now.Sub(c.sliceStart) >= c.active.slice
}

// evaluateNextThread decides what this CPU runs next. If the active task is
// still runnable, unexpired, and still holds the minimum key across
// {active} ∪ queue, it keeps the CPU and nothing changes. Otherwise a
// still-runnable active task is requeued under fresh insertion and the
// minimum-key task is dispatched with a fresh slice; an empty queue leaves
// the CPU idle. fresh reports whether a new slice was started (which may
// re-dispatch the same task after expiry). Generation uniqueness makes both
// the keep-running check and the pop deterministic.
func (c *core) evaluateNextThread(now Time, expired bool) (next *Task, fresh bool) {
	c.updateTimeline(now)

	cur := c.active
	if cur != nil && cur.state == StateRunning && !expired {
		if m := c.queue.min(); m == nil || compareQueueKeys(cur.key(), m.key()) < 0 {
			return cur, false
		}
	}

	if cur != nil && cur.state == StateRunning {
		c.chargeActive(now)
		cur.setState(StateReady)
		c.placeKey(cur, PlaceInsertion)
		c.queue.insert(cur)
		c.active = nil
	}

	if c.queue.len() == 0 {
		// Idle fallback; aggregates exclude the idle task by design.
		c.active = nil
		return nil, false
	}

	next = c.queue.popMin()
	next.setState(StateRunning)
	next.lastCPU = c.id
	next.slice = c.calculateTimeslice(next)
	c.active = next
	c.scheduledWeightTotal = c.weightTotal
	c.sliceStart = now
	return next, true
}

// weightDrifted reports whether the active set's weight changed since the
// current task was dispatched, which forces a slice recompute at the next
// tick instead of waiting for natural expiry.
func (c *core) weightDrifted() bool {
	return c.active != nil && c.weightTotal != c.scheduledWeightTotal
}
